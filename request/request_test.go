package request_test

import (
	"testing"

	"github.com/outrider/fastdispatch/request"
)

func TestCloneIsIndependent(t *testing.T) {
	orig := request.Request{
		Method:  "GET",
		URL:     "http://example.test/",
		Fields:  map[string]string{"q": "1"},
		Headers: map[string]string{"X-Test": "a"},
		ID:      7,
	}

	clone := orig.Clone()
	clone.Fields["q"] = "2"
	clone.Headers["X-Test"] = "b"

	if orig.Fields["q"] != "1" {
		t.Fatalf("expected original Fields untouched, got %s", orig.Fields["q"])
	}
	if orig.Headers["X-Test"] != "a" {
		t.Fatalf("expected original Headers untouched, got %s", orig.Headers["X-Test"])
	}
	if clone.ID != orig.ID {
		t.Fatalf("expected ID preserved across clone")
	}
}

func TestCloneNilMaps(t *testing.T) {
	orig := request.Request{Method: "GET", URL: "http://example.test/"}
	clone := orig.Clone()
	if clone.Fields != nil || clone.Headers != nil {
		t.Fatalf("expected nil maps to stay nil across clone")
	}
}
