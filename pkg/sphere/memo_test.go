package sphere

import (
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/noosphere/sphereengine/pkg/codec"
)

// TestHeaderEncodesAsWireArrayNotMap pins the memo wire schema
// ("headers": [[name, value], ...]): a map encoding of Header would still
// round-trip through this package's own Encode/Decode, but would break CID
// determinism against any other implementation building the same Memo.
func TestHeaderEncodesAsWireArrayNotMap(t *testing.T) {
	memo := Memo{Headers: []Header{{Name: "Content-Type", Value: ContentTypePlain}}}
	raw, err := codec.Encode(&memo)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var generic map[string]interface{}
	if err := cbor.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("decode generic: %v", err)
	}

	headers, ok := generic["headers"].([]interface{})
	if !ok || len(headers) != 1 {
		t.Fatalf("expected headers to decode as a 1-element array, got %#v", generic["headers"])
	}
	tuple, ok := headers[0].([]interface{})
	if !ok || len(tuple) != 2 {
		t.Fatalf("expected each header to be a 2-element array tuple, got %#v", headers[0])
	}
	if tuple[0] != "Content-Type" || tuple[1] != ContentTypePlain {
		t.Fatalf("unexpected header tuple contents: %#v", tuple)
	}
}

func TestHeaderValueRoundTrip(t *testing.T) {
	body, err := codec.CIDOf([]byte("# body"))
	if err != nil {
		t.Fatalf("body cid: %v", err)
	}
	memo := Memo{Headers: []Header{{Name: "Content-Type", Value: ContentTypeMarkdown}}, Body: body}
	raw, err := codec.Encode(&memo)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded Memo
	if err := codec.Decode(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ct := decoded.ContentType(); ct != ContentTypeMarkdown {
		t.Fatalf("unexpected content type: %q", ct)
	}
}
