package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/rbaliyan/mailbridge/store"
	"google.golang.org/api/googleapi"
)

func TestObjectName(t *testing.T) {
	s := &Store{prefix: "mail/att"}
	if got := s.objectName(store.AttachmentKey{UID: 77, FileName: "scan.png"}); got != "mail/att/77/scan.png" {
		t.Errorf("objectName = %q", got)
	}
}

func TestPreconditionFailed(t *testing.T) {
	wrapped := fmt.Errorf("close: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})
	if !preconditionFailed(wrapped) {
		t.Error("412 not detected")
	}
	if preconditionFailed(&googleapi.Error{Code: http.StatusForbidden}) {
		t.Error("403 reported as precondition failure")
	}
	if preconditionFailed(errors.New("boom")) {
		t.Error("plain error reported as precondition failure")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background()); err == nil {
		t.Fatal("New without bucket succeeded")
	}
}

func TestForeignURIRejected(t *testing.T) {
	s := &Store{bucket: "mail"}
	if _, err := s.Load(context.Background(), "s3://mail/1/a.txt"); !errors.Is(err, store.ErrInvalidURI) {
		t.Errorf("Load error = %v, want ErrInvalidURI", err)
	}
	if err := s.Delete(context.Background(), "gs:///key"); !errors.Is(err, store.ErrInvalidURI) {
		t.Errorf("Delete error = %v, want ErrInvalidURI", err)
	}
}
