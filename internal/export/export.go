// Package export serializes a released batch into a compact field-tagged
// binary format (protobuf wire encoding) with the batch signature appended as
// a detachable trailer, so clients can verify the payload without re-parsing
// it.
package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/domain"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/signature"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload field numbers. Unknown fields must be skipped by consumers, which
// keeps the format forward compatible.
const (
	fieldStartTimestamp = 1
	fieldEndTimestamp   = 2
	fieldRegion         = 3
	fieldBatchNum       = 4
	fieldBatchSize      = 5
	fieldKey            = 7
)

// Key sub-message field numbers.
const (
	keyFieldData          = 1
	keyFieldRiskLevel     = 2
	keyFieldRollingStart  = 3
	keyFieldRollingPeriod = 4
	keyFieldReportType    = 5
	keyFieldCountry       = 6
)

// Trailer field numbers.
const (
	trailerFieldSignature     = 1
	trailerFieldKeyVersion    = 2
	trailerFieldKeyIdentifier = 3
	trailerFieldAlgorithm     = 4
	trailerFieldBundleID      = 5
)

// Batch is the decoded form of a payload, used by tests and client tooling.
type Batch struct {
	StartTimestamp time.Time
	EndTimestamp   time.Time
	Region         string
	BatchNum       int
	BatchSize      int
	Keys           []domain.DiagnosisKey
}

// Trailer is the decoded detachable signature block.
type Trailer struct {
	Signature     []byte
	KeyVersion    string
	KeyIdentifier string
	Algorithm     string
	BundleID      string
}

// Encode serializes keys with the release window and region, signs the
// payload bytes and appends the signature trailer. The final two bytes hold
// the trailer length, big endian, so a client can slice the trailer off the
// end without parsing the payload.
func Encode(keys []domain.DiagnosisKey, windowStart, windowEnd time.Time, region string, signer *signature.Signer) ([]byte, error) {
	payload := encodePayload(keys, windowStart, windowEnd, region)

	sig, err := signer.Sign(payload, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	meta := signer.Metadata()
	var trailer []byte
	trailer = protowire.AppendTag(trailer, trailerFieldSignature, protowire.BytesType)
	trailer = protowire.AppendBytes(trailer, sig)
	trailer = appendString(trailer, trailerFieldKeyVersion, meta.KeyVersion)
	trailer = appendString(trailer, trailerFieldKeyIdentifier, meta.KeyIdentifier)
	trailer = appendString(trailer, trailerFieldAlgorithm, signature.AlgorithmOID)
	trailer = appendString(trailer, trailerFieldBundleID, meta.BundleID)

	if len(trailer) > 0xffff {
		return nil, errors.New("export: signature trailer too large")
	}

	body := make([]byte, 0, len(payload)+len(trailer)+2)
	body = append(body, payload...)
	body = append(body, trailer...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(trailer)))
	return body, nil
}

func encodePayload(keys []domain.DiagnosisKey, windowStart, windowEnd time.Time, region string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStartTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(windowStart.UnixMilli()))
	b = protowire.AppendTag(b, fieldEndTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(windowEnd.UnixMilli()))
	b = appendString(b, fieldRegion, region)
	b = protowire.AppendTag(b, fieldBatchNum, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, fieldBatchSize, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	for _, key := range keys {
		var k []byte
		k = protowire.AppendTag(k, keyFieldData, protowire.BytesType)
		k = protowire.AppendBytes(k, key.KeyData)
		k = protowire.AppendTag(k, keyFieldRiskLevel, protowire.VarintType)
		k = protowire.AppendVarint(k, uint64(key.TransmissionRiskLevel))
		k = protowire.AppendTag(k, keyFieldRollingStart, protowire.VarintType)
		k = protowire.AppendVarint(k, uint64(key.RollingStartNumber))
		k = protowire.AppendTag(k, keyFieldRollingPeriod, protowire.VarintType)
		k = protowire.AppendVarint(k, uint64(key.RollingPeriod))
		k = protowire.AppendTag(k, keyFieldReportType, protowire.VarintType)
		k = protowire.AppendVarint(k, uint64(key.ReportType))
		k = appendString(k, keyFieldCountry, key.CountryOfOrigin)

		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, k)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Split separates an encoded body into payload and trailer bytes.
func Split(body []byte) (payload, trailer []byte, err error) {
	if len(body) < 2 {
		return nil, nil, errors.New("export: body too short")
	}
	trailerLen := int(binary.BigEndian.Uint16(body[len(body)-2:]))
	if trailerLen+2 > len(body) {
		return nil, nil, errors.New("export: trailer length exceeds body")
	}
	boundary := len(body) - 2 - trailerLen
	return body[:boundary], body[boundary : len(body)-2], nil
}

// Decode parses an encoded body back into a Batch and its Trailer. The
// returned payload bytes are exactly what the signature covers.
func Decode(body []byte) (Batch, Trailer, []byte, error) {
	payload, rawTrailer, err := Split(body)
	if err != nil {
		return Batch{}, Trailer{}, nil, err
	}
	batch, err := decodePayload(payload)
	if err != nil {
		return Batch{}, Trailer{}, nil, err
	}
	trailer, err := decodeTrailer(rawTrailer)
	if err != nil {
		return Batch{}, Trailer{}, nil, err
	}
	return batch, trailer, payload, nil
}

func decodePayload(b []byte) (Batch, error) {
	var batch Batch
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Batch{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldStartTimestamp:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Batch{}, protowire.ParseError(n)
			}
			batch.StartTimestamp = time.UnixMilli(int64(v)).UTC()
			b = b[n:]
		case fieldEndTimestamp:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Batch{}, protowire.ParseError(n)
			}
			batch.EndTimestamp = time.UnixMilli(int64(v)).UTC()
			b = b[n:]
		case fieldRegion:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Batch{}, protowire.ParseError(n)
			}
			batch.Region = v
			b = b[n:]
		case fieldBatchNum:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Batch{}, protowire.ParseError(n)
			}
			batch.BatchNum = int(v)
			b = b[n:]
		case fieldBatchSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Batch{}, protowire.ParseError(n)
			}
			batch.BatchSize = int(v)
			b = b[n:]
		case fieldKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Batch{}, protowire.ParseError(n)
			}
			key, err := decodeKey(v)
			if err != nil {
				return Batch{}, err
			}
			batch.Keys = append(batch.Keys, key)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Batch{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return batch, nil
}

func decodeKey(b []byte) (domain.DiagnosisKey, error) {
	var key domain.DiagnosisKey
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return domain.DiagnosisKey{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case keyFieldData:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return domain.DiagnosisKey{}, protowire.ParseError(n)
			}
			key.KeyData = append([]byte(nil), v...)
			b = b[n:]
		case keyFieldRiskLevel:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return domain.DiagnosisKey{}, protowire.ParseError(n)
			}
			key.TransmissionRiskLevel = int32(v)
			b = b[n:]
		case keyFieldRollingStart:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return domain.DiagnosisKey{}, protowire.ParseError(n)
			}
			key.RollingStartNumber = uint32(v)
			b = b[n:]
		case keyFieldRollingPeriod:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return domain.DiagnosisKey{}, protowire.ParseError(n)
			}
			key.RollingPeriod = uint32(v)
			b = b[n:]
		case keyFieldReportType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return domain.DiagnosisKey{}, protowire.ParseError(n)
			}
			key.ReportType = int32(v)
			b = b[n:]
		case keyFieldCountry:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return domain.DiagnosisKey{}, protowire.ParseError(n)
			}
			key.CountryOfOrigin = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return domain.DiagnosisKey{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return key, nil
}

func decodeTrailer(b []byte) (Trailer, error) {
	var trailer Trailer
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Trailer{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case trailerFieldSignature:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Trailer{}, protowire.ParseError(n)
			}
			trailer.Signature = append([]byte(nil), v...)
			b = b[n:]
		case trailerFieldKeyVersion, trailerFieldKeyIdentifier, trailerFieldAlgorithm, trailerFieldBundleID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Trailer{}, protowire.ParseError(n)
			}
			switch num {
			case trailerFieldKeyVersion:
				trailer.KeyVersion = v
			case trailerFieldKeyIdentifier:
				trailer.KeyIdentifier = v
			case trailerFieldAlgorithm:
				trailer.Algorithm = v
			case trailerFieldBundleID:
				trailer.BundleID = v
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Trailer{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if len(trailer.Signature) == 0 {
		return Trailer{}, fmt.Errorf("export: trailer missing signature")
	}
	return trailer, nil
}
