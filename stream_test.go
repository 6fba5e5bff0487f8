package rondo

import (
	"errors"
	"testing"
)

func TestTextChunk(t *testing.T) {
	c := TextChunk("hello")
	if c.Content != "hello" {
		t.Errorf("Content = %q, want %q", c.Content, "hello")
	}
	if c.Status != "" || c.Done || c.Error != nil {
		t.Errorf("TextChunk set unexpected fields: %+v", c)
	}
}

func TestStatusChunk(t *testing.T) {
	c := StatusChunk("Executing git_status…")
	if c.Status != "Executing git_status…" {
		t.Errorf("Status = %q, want %q", c.Status, "Executing git_status…")
	}
	if c.Content != "" || c.Done || c.Error != nil {
		t.Errorf("StatusChunk set unexpected fields: %+v", c)
	}
}

func TestErrorChunkFromFault(t *testing.T) {
	err := Faultf(KindProviderUnavailable, "openaicompat.stream", "backend down")
	c := ErrorChunk(err)
	if c.Error == nil {
		t.Fatal("Error = nil, want set")
	}
	if c.Error.Category != "provider_unavailable" {
		t.Errorf("Category = %q, want %q", c.Error.Category, "provider_unavailable")
	}
	if c.Error.Detail != "backend down" {
		t.Errorf("Detail = %q, want %q", c.Error.Detail, "backend down")
	}
	if c.Done {
		t.Error("error chunk must not be Done")
	}
}

func TestErrorChunkBadRequest(t *testing.T) {
	c := ErrorChunk(Faultf(KindInvalidRequest, "orchestrator.turn", "message is empty"))
	if c.Error.Category != "bad_request" {
		t.Errorf("Category = %q, want %q", c.Error.Category, "bad_request")
	}
	if c.Error.Detail != "message is empty" {
		t.Errorf("Detail = %q, want %q", c.Error.Detail, "message is empty")
	}
}

func TestErrorChunkPlainError(t *testing.T) {
	// Unclassified errors fall through to the internal category with the
	// raw error text as detail.
	c := ErrorChunk(errors.New("disk full"))
	if c.Error.Category != "internal" {
		t.Errorf("Category = %q, want %q", c.Error.Category, "internal")
	}
	if c.Error.Detail != "disk full" {
		t.Errorf("Detail = %q, want %q", c.Error.Detail, "disk full")
	}
}
