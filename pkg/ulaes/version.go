package ulaes

import "fmt"

// Version holds the GET_VERSION product information.
type Version struct {
	Header         byte // Fixed header (0x00)
	VendorID       byte // 0x04 = NXP
	ProductType    byte // 0x03 = MIFARE Ultralight
	ProductSubtype byte // 0x01 (17 pF) or 0x02 (50 pF)
	MajorVersion   byte // 0x04 = AES
	MinorVersion   byte // 0x00
	StorageSize    byte // 0x0F
	ProtocolType   byte // 0x03 = ISO/IEC 14443-3
}

const versionLen = 8

// ParseVersion decodes and validates a GET_VERSION reply.
// A reply that parses but names a different product fails with a *VersionError.
func ParseVersion(resp []byte) (*Version, error) {
	if len(resp) != versionLen {
		return nil, fmt.Errorf("%w: GET_VERSION returned %d bytes", ErrIncompatibleTag, len(resp))
	}
	v := &Version{
		Header:         resp[0],
		VendorID:       resp[1],
		ProductType:    resp[2],
		ProductSubtype: resp[3],
		MajorVersion:   resp[4],
		MinorVersion:   resp[5],
		StorageSize:    resp[6],
		ProtocolType:   resp[7],
	}
	checks := []struct {
		field string
		got   byte
		want  []byte
	}{
		{"header", v.Header, []byte{0x00}},
		{"vendor", v.VendorID, []byte{0x04}},
		{"product_type", v.ProductType, []byte{0x03}},
		{"product_subtype", v.ProductSubtype, []byte{0x01, 0x02}},
		{"major_version", v.MajorVersion, []byte{0x04}},
		{"minor_version", v.MinorVersion, []byte{0x00}},
		{"storage_size", v.StorageSize, []byte{0x0F}},
		{"protocol_type", v.ProtocolType, []byte{0x03}},
	}
	for _, c := range checks {
		if !containsByte(c.want, c.got) {
			return nil, &VersionError{Field: c.field, Got: c.got, Want: c.want}
		}
	}
	return v, nil
}

// String returns a compact product description.
func (v *Version) String() string {
	return fmt.Sprintf("vendor=%02X type=%02X subtype=%02X ver=%d.%d storage=%02X proto=%02X",
		v.VendorID, v.ProductType, v.ProductSubtype, v.MajorVersion, v.MinorVersion, v.StorageSize, v.ProtocolType)
}

func containsByte(set []byte, b byte) bool {
	for _, s := range set {
		if s == b {
			return true
		}
	}
	return false
}
