package license

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// No .proto descriptor for the license wire format ships with this project (the license server is an external,
// closed system); these are hand-written protowire readers/writers for the two messages it emits, rather than
// generated stubs.
//
//	message LicenseKey {
//	  bytes metadata  = 1;
//	  bytes signature = 2;
//	}
//	message LicenseMetadata {
//	  string customer_id  = 1;
//	  bool   subscription = 2;
//	  int64  valid_until  = 3; // unix seconds, 0 means "no expiry"
//	  LicenseLimits limits = 4;
//	}
//	message LicenseLimits {
//	  uint32 users     = 1;
//	  uint32 devices   = 2;
//	  uint32 locations = 3;
//	}

// key holds the two opaque byte blobs carried by a LicenseKey message: the serialized LicenseMetadata and its
// detached PGP signature.
type key struct {
	metadata  []byte
	signature []byte
}

func decodeKey(b []byte) (key, error) {
	var k key
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return key{}, fmt.Errorf("decode LicenseKey: %w", protowire.ParseError(n))
		}
		b = b[n:]

		v, n := protowire.ConsumeBytes(b)
		if typ != protowire.BytesType || n < 0 {
			return key{}, fmt.Errorf("decode LicenseKey field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case 1:
			k.metadata = v
		case 2:
			k.signature = v
		}
	}
	return k, nil
}

// limits mirrors LicenseLimits: the maximum object counts a license permits. A nil *limits (absent field 4) means
// an unlimited legacy license issued before object-count limits existed.
type limits struct {
	Users     uint32
	Devices   uint32
	Locations uint32
}

func decodeLimits(b []byte) (*limits, error) {
	var l limits
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode LicenseLimits: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType {
			_, n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("decode LicenseLimits field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("decode LicenseLimits field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case 1:
			l.Users = uint32(v)
		case 2:
			l.Devices = uint32(v)
		case 3:
			l.Locations = uint32(v)
		}
	}
	return &l, nil
}

type metadata struct {
	CustomerID     string
	Subscription   bool
	ValidUntilUnix int64
	Limits         *limits
}

func decodeMetadata(b []byte) (metadata, error) {
	var m metadata
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return metadata{}, fmt.Errorf("decode LicenseMetadata: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return metadata{}, fmt.Errorf("decode customer_id: %w", protowire.ParseError(n))
			}
			m.CustomerID = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return metadata{}, fmt.Errorf("decode subscription: %w", protowire.ParseError(n))
			}
			m.Subscription = protowire.DecodeBool(v)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return metadata{}, fmt.Errorf("decode valid_until: %w", protowire.ParseError(n))
			}
			m.ValidUntilUnix = int64(v)
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return metadata{}, fmt.Errorf("decode limits: %w", protowire.ParseError(n))
			}
			l, err := decodeLimits(v)
			if err != nil {
				return metadata{}, err
			}
			m.Limits = l
			b = b[n:]
		default:
			// Unknown fields (a newer license server adding a field this build doesn't know about yet) are skipped
			// rather than rejected, so a license issued by a newer server still decodes.
			_, n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return metadata{}, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func encodeKey(k key) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, k.metadata)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, k.signature)
	return b
}

func encodeMetadata(m metadata) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.CustomerID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Subscription))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ValidUntilUnix))
	if m.Limits != nil {
		var lb []byte
		lb = protowire.AppendTag(lb, 1, protowire.VarintType)
		lb = protowire.AppendVarint(lb, uint64(m.Limits.Users))
		lb = protowire.AppendTag(lb, 2, protowire.VarintType)
		lb = protowire.AppendVarint(lb, uint64(m.Limits.Devices))
		lb = protowire.AppendTag(lb, 3, protowire.VarintType)
		lb = protowire.AppendVarint(lb, uint64(m.Limits.Locations))

		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}
	return b
}
