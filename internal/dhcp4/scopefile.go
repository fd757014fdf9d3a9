package dhcp4

import (
	"bytes"
	"encoding/binary"
	"net"
	"time"

	"github.com/google/renameio/v2/maybe"

	"grimm.is/flywall/internal/errors"
)

// scopeFilePerm is the file mode for newly written .scope files.
const scopeFilePerm = 0o600

// EncodeScopeFile serializes s to the §6 binary layout: little-endian,
// fixed field order, byte-compatible across versions so a running
// deployment upgrades without data loss.
func EncodeScopeFile(s *Scope) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer

	writeString(&buf, s.Name)
	writeBool(&buf, s.Enabled)
	writeIP4(&buf, s.Start)
	writeIP4(&buf, s.End)
	writeIP4(&buf, net.IP(s.SubnetMask))
	writeIP4(&buf, s.Router)
	writeIP4(&buf, s.InterfaceAddress)
	writeUint32(&buf, uint32(s.LeaseTime/time.Second))
	writeUint32(&buf, uint32(s.OfferDelay/time.Millisecond))
	writeBool(&buf, s.PingCheckTimeout > 0)
	writeUint32(&buf, uint32(s.PingCheckTimeout/time.Millisecond))
	writeString(&buf, s.DomainName)
	writeUint32(&buf, uint32(s.DNSTTL/time.Second))

	writeUint16(&buf, uint16(len(s.DNSServers)))
	for _, ip := range s.DNSServers {
		writeIP4(&buf, ip)
	}
	writeUint16(&buf, uint16(len(s.NTPServers)))
	for _, ip := range s.NTPServers {
		writeIP4(&buf, ip)
	}

	writeUint16(&buf, uint16(len(s.Exclusions)))
	for _, ex := range s.Exclusions {
		writeIP4(&buf, ex.Start)
		writeIP4(&buf, ex.End)
	}

	writeUint16(&buf, uint16(len(s.Reservations)))
	for id, r := range s.Reservations {
		writeString(&buf, string(id))
		writeIP4(&buf, r.Address)
		writeOptionalString(&buf, r.HostName)
	}

	leases := make([]*Lease, 0, len(s.leases))
	for _, l := range s.leases {
		leases = append(leases, l)
	}
	writeUint16(&buf, uint16(len(leases)))
	for _, l := range leases {
		writeString(&buf, string(l.ClientIdentity))
		writeBytes8(&buf, l.HardwareAddr)
		writeIP4(&buf, l.Address)
		writeOptionalString(&buf, l.HostName)
		writeInt64(&buf, l.ObtainedUTC.Unix())
		writeInt64(&buf, l.ExpiresUTC.Unix())
		writeByte(&buf, byte(l.Type))
	}

	return buf.Bytes()
}

// DecodeScopeFile parses the §6 binary layout back into a Scope. The
// returned Scope uses clock.Real and NewScope's default logger and has no
// Pinger; callers set one when PingCheckTimeout is non-zero.
func DecodeScopeFile(data []byte) (*Scope, error) {
	r := bytes.NewReader(data)
	s := NewScope("")

	var err error
	if s.Name, err = readString(r); err != nil {
		return nil, scopeFileErr(err)
	}
	if s.Enabled, err = readBool(r); err != nil {
		return nil, scopeFileErr(err)
	}
	if s.Start, err = readIP4(r); err != nil {
		return nil, scopeFileErr(err)
	}
	if s.End, err = readIP4(r); err != nil {
		return nil, scopeFileErr(err)
	}
	mask, err := readIP4(r)
	if err != nil {
		return nil, scopeFileErr(err)
	}
	s.SubnetMask = net.IPMask(mask.To4())
	if s.Router, err = readIP4(r); err != nil {
		return nil, scopeFileErr(err)
	}
	if s.InterfaceAddress, err = readIP4(r); err != nil {
		return nil, scopeFileErr(err)
	}
	leaseSecs, err := readUint32(r)
	if err != nil {
		return nil, scopeFileErr(err)
	}
	s.LeaseTime = time.Duration(leaseSecs) * time.Second
	offerMs, err := readUint32(r)
	if err != nil {
		return nil, scopeFileErr(err)
	}
	s.OfferDelay = time.Duration(offerMs) * time.Millisecond
	if _, err = readBool(r); err != nil { // ping-check flag; timeout itself carries the truth
		return nil, scopeFileErr(err)
	}
	pingMs, err := readUint32(r)
	if err != nil {
		return nil, scopeFileErr(err)
	}
	s.PingCheckTimeout = time.Duration(pingMs) * time.Millisecond
	if s.DomainName, err = readString(r); err != nil {
		return nil, scopeFileErr(err)
	}
	dnsTTL, err := readUint32(r)
	if err != nil {
		return nil, scopeFileErr(err)
	}
	s.DNSTTL = time.Duration(dnsTTL) * time.Second

	dnsCount, err := readUint16(r)
	if err != nil {
		return nil, scopeFileErr(err)
	}
	for i := 0; i < int(dnsCount); i++ {
		ip, err := readIP4(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		s.DNSServers = append(s.DNSServers, ip)
	}

	ntpCount, err := readUint16(r)
	if err != nil {
		return nil, scopeFileErr(err)
	}
	for i := 0; i < int(ntpCount); i++ {
		ip, err := readIP4(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		s.NTPServers = append(s.NTPServers, ip)
	}

	exclCount, err := readUint16(r)
	if err != nil {
		return nil, scopeFileErr(err)
	}
	for i := 0; i < int(exclCount); i++ {
		start, err := readIP4(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		end, err := readIP4(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		s.Exclusions = append(s.Exclusions, ExclusionRange{Start: start, End: end})
	}

	resCount, err := readUint16(r)
	if err != nil {
		return nil, scopeFileErr(err)
	}
	for i := 0; i < int(resCount); i++ {
		idStr, err := readString(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		addr, err := readIP4(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		hostName, err := readOptionalString(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		id := ClientIdentity(idStr)
		s.Reservations[id] = Reservation{Identity: id, Address: addr, HostName: hostName}
		s.reservedAddr[addr.String()] = id
	}

	leaseCount, err := readUint16(r)
	if err != nil {
		return nil, scopeFileErr(err)
	}
	for i := 0; i < int(leaseCount); i++ {
		idStr, err := readString(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		hw, err := readBytes8(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		addr, err := readIP4(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		hostName, err := readOptionalString(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		obtained, err := readInt64(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		expires, err := readInt64(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}
		typeByte, err := readByte(r)
		if err != nil {
			return nil, scopeFileErr(err)
		}

		id := ClientIdentity(idStr)
		l := &Lease{
			ClientIdentity: id,
			HardwareAddr:   net.HardwareAddr(hw),
			Address:        addr,
			HostName:       hostName,
			ObtainedUTC:    time.Unix(obtained, 0).UTC(),
			ExpiresUTC:     time.Unix(expires, 0).UTC(),
			Type:           LeaseType(typeByte),
			State:          LeaseStateLeased,
		}
		s.leases[id] = l
		s.addrOwner[addr.String()] = id
	}

	return s, nil
}

func scopeFileErr(err error) error {
	return errors.Wrap(err, errors.KindInternal, "decoding scope file")
}

// SaveScopeFile atomically writes s to path via renameio, so a crash mid-save
// never leaves a half-written .scope file (§6).
func SaveScopeFile(path string, s *Scope) error {
	data := EncodeScopeFile(s)
	if err := maybe.WriteFile(path, data, scopeFilePerm); err != nil {
		return errors.Wrap(err, errors.KindInternal, "writing scope file "+path)
	}
	return nil
}

// --- primitive read/write helpers, little-endian per §6 ---

func writeByte(buf *bytes.Buffer, b byte) { buf.WriteByte(b) }

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeIP4(buf *bytes.Buffer, ip net.IP) {
	if ip == nil {
		buf.Write([]byte{0, 0, 0, 0})
		return
	}
	buf.Write(ip.To4())
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func writeOptionalString(buf *bytes.Buffer, s string) {
	writeBool(buf, s != "")
	if s != "" {
		writeString(buf, s)
	}
}

func writeBytes8(buf *bytes.Buffer, b []byte) {
	buf.WriteByte(byte(len(b)))
	buf.Write(b)
}

func readByte(r *bytes.Reader) (byte, error) { return r.ReadByte() }

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readIP4(r *bytes.Reader) (net.IP, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return nil, err
	}
	return net.IPv4(b[0], b[1], b[2], b[3]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return "", err
	}
	return string(b), nil
}

func readOptionalString(r *bytes.Reader) (string, error) {
	present, err := readBool(r)
	if err != nil || !present {
		return "", err
	}
	return readString(r)
}

func readBytes8(r *bytes.Reader) ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return nil, err
	}
	return b, nil
}
