package forwarder

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Length prefixes are network byte order on every channel.
var byteOrder = binary.BigEndian

const lengthSize = 4

// EncodeConsolidated frames an image and a telemetry record as
// u32 image_len | u32 telemetry_len | image | telemetry.
func EncodeConsolidated(image, telemetry []byte) []byte {
	buf := make([]byte, 2*lengthSize+len(image)+len(telemetry))
	byteOrder.PutUint32(buf[0:], uint32(len(image)))
	byteOrder.PutUint32(buf[lengthSize:], uint32(len(telemetry)))
	n := copy(buf[2*lengthSize:], image)
	copy(buf[2*lengthSize+n:], telemetry)
	return buf
}

func DecodeConsolidated(b []byte) (image, telemetry []byte, err error) {
	if len(b) < 2*lengthSize {
		return nil, nil, errors.Errorf("consolidated frame too short: %d bytes", len(b))
	}
	imageLen := int(byteOrder.Uint32(b[0:]))
	telemetryLen := int(byteOrder.Uint32(b[lengthSize:]))
	body := b[2*lengthSize:]
	if imageLen < 0 || telemetryLen < 0 || imageLen+telemetryLen != len(body) {
		return nil, nil, errors.Errorf("consolidated frame length mismatch: header %d+%d, body %d",
			imageLen, telemetryLen, len(body))
	}
	return body[:imageLen], body[imageLen:], nil
}

// EncodeHighRate frames an inertial record as u32 payload_len | payload.
func EncodeHighRate(payload []byte) []byte {
	buf := make([]byte, lengthSize+len(payload))
	byteOrder.PutUint32(buf, uint32(len(payload)))
	copy(buf[lengthSize:], payload)
	return buf
}

func DecodeHighRate(b []byte) ([]byte, error) {
	if len(b) < lengthSize {
		return nil, errors.Errorf("high-rate frame too short: %d bytes", len(b))
	}
	n := int(byteOrder.Uint32(b))
	if n != len(b)-lengthSize {
		return nil, errors.Errorf("high-rate frame length mismatch: header %d, body %d", n, len(b)-lengthSize)
	}
	return b[lengthSize:], nil
}

// EncodeFields serializes a telemetry record as a JSON object. Non finite
// values are left out since JSON cannot carry them.
func EncodeFields(fields map[string]float64) ([]byte, error) {
	clean := make(map[string]float64, len(fields))
	for k, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		clean[k] = v
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode telemetry")
	}
	return b, nil
}

func DecodeFields(b []byte) (map[string]float64, error) {
	fields := map[string]float64{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, errors.Wrap(err, "unable to decode telemetry")
	}
	return fields, nil
}
