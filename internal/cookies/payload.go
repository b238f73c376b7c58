package cookies

import "github.com/tidwall/gjson"

const cookiesField = "cookies"

// PayloadShape tags the top-level layout of an uploaded payload.
type PayloadShape int

const (
	// ShapeOpaque is anything that is neither a sequence nor an object with a cookies field,
	// including text that is not JSON at all.
	ShapeOpaque PayloadShape = iota
	// ShapeSequence is a top-level JSON array of cookie entries.
	ShapeSequence
	// ShapeObjectWithCookies is a JSON object exposing a "cookies" field.
	ShapeObjectWithCookies
)

func (shape PayloadShape) String() string {
	switch shape {
	case ShapeSequence:
		return "sequence"
	case ShapeObjectWithCookies:
		return "object_with_cookies"
	default:
		return "opaque"
	}
}

// PayloadSummary is the result of sniffing a payload before encryption.
type PayloadSummary struct {
	Shape     PayloadShape
	ItemCount int64
}

// SniffPayload classifies the payload and derives its cookie count. It never
// fails: unparseable input is Opaque with a count of one.
func SniffPayload(payload []byte) PayloadSummary {
	if !gjson.ValidBytes(payload) {
		return PayloadSummary{Shape: ShapeOpaque, ItemCount: 1}
	}

	parsed := gjson.ParseBytes(payload)
	switch {
	case parsed.IsArray():
		return PayloadSummary{Shape: ShapeSequence, ItemCount: int64(len(parsed.Array()))}
	case parsed.IsObject():
		field := parsed.Get(cookiesField)
		if !field.Exists() {
			break
		}
		count := int64(0)
		if field.IsArray() {
			count = int64(len(field.Array()))
		}
		return PayloadSummary{Shape: ShapeObjectWithCookies, ItemCount: count}
	}
	return PayloadSummary{Shape: ShapeOpaque, ItemCount: 1}
}
