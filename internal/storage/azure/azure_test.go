package azure

import (
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

func TestBlobNameEscapesSegments(t *testing.T) {
	s := &Store{prefix: "warehouse"}
	name, err := s.blobName("tables", "db/my events/metadata.json")
	if err != nil {
		t.Fatalf("blob name: %v", err)
	}
	if name != "warehouse/tables/db/my%20events/metadata.json" {
		t.Fatalf("unexpected blob name %q", name)
	}
	logical, err := unescapeKey("db/my%20events/metadata.json")
	if err != nil {
		t.Fatalf("unescape: %v", err)
	}
	if logical != "db/my events/metadata.json" {
		t.Fatalf("unexpected logical key %q", logical)
	}
	if _, err := s.blobName("tables", ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net/?comp=list", "?sv=1&sig=abc")
	if err != nil {
		t.Fatalf("append sas: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?comp=list&sv=1&sig=abc" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	if !isPreconditionFailed(&azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}) {
		t.Fatal("expected 412 to be precondition failure")
	}
	if !isNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Fatal("expected 404 to be not found")
	}
	if isNotFound(errors.New("boom")) {
		t.Fatal("plain error must not be not found")
	}
	if !isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}) {
		t.Fatal("expected container exists")
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{Container: "c"}); err == nil {
		t.Fatal("expected account error")
	}
	if _, err := New(Config{Account: "a"}); err == nil {
		t.Fatal("expected container error")
	}
	if _, err := New(Config{Account: "a", Container: "c"}); err == nil {
		t.Fatal("expected credential error")
	}
}
