package core

import (
	"testing"
)

func TestIDFromContent(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantSame bool
	}{
		{
			name:     "same content produces same ID",
			content:  "test content",
			wantSame: true,
		},
		{
			name:     "empty string",
			content:  "",
			wantSame: true,
		},
		{
			name:     "long content",
			content:  "This is a much longer piece of content that should still hash consistently",
			wantSame: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id1 := IDFromContent(tt.content)
			id2 := IDFromContent(tt.content)

			if tt.wantSame && id1 != id2 {
				t.Errorf("IDFromContent() produced different IDs for same content: %d vs %d", id1, id2)
			}
		})
	}
}

func TestIDFromContent_Different(t *testing.T) {
	id1 := IDFromContent("content1")
	id2 := IDFromContent("content2")

	if id1 == id2 {
		t.Errorf("IDFromContent() produced same ID for different content")
	}
}

func TestID_String(t *testing.T) {
	if got := ID(0xab).String(); got != "00000000000000ab" {
		t.Errorf("ID.String() = %q", got)
	}
}

func TestRecordID(t *testing.T) {
	tests := []struct {
		name       string
		documentID string
		partID     string
		want       string
	}{
		{name: "simple", documentID: "doc1", partID: "p1", want: "d=doc1//p=p1"},
		{name: "hex part", documentID: "doc-2", partID: "00000000000000ab", want: "d=doc-2//p=00000000000000ab"},
		{name: "empty part", documentID: "doc3", partID: "", want: "d=doc3//p="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if got := RecordID(tt.documentID, tt.partID); got != tt.want {
					t.Errorf("RecordID() = %q, want %q", got, tt.want)
				}
			}
		})
	}
}

func TestRecordID_DistinguishesInputs(t *testing.T) {
	if RecordID("a", "b") == RecordID("b", "a") {
		t.Errorf("RecordID() must depend on argument order")
	}
}

func TestArtifactID(t *testing.T) {
	a := ArtifactID("file1", "doc.txt.partition.0.txt")
	b := ArtifactID("file1", "doc.txt.partition.0.txt")
	c := ArtifactID("file2", "doc.txt.partition.0.txt")

	if a != b {
		t.Errorf("ArtifactID() not deterministic: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("ArtifactID() ignored the parent id")
	}
	if len(a) != 16 {
		t.Errorf("ArtifactID() length = %d, want 16", len(a))
	}
}

func TestTagCollection(t *testing.T) {
	tags := TagCollection{}
	tags.Add("user", "alice")
	tags.Add("user", "alice")
	tags.Add("user", "bob")
	tags.Add("kind", "note")

	if got := len(tags["user"]); got != 2 {
		t.Errorf("Add() kept duplicates: %v", tags["user"])
	}

	clone := tags.Clone()
	clone.Add("user", "carol")
	if len(tags["user"]) != 2 {
		t.Errorf("Clone() shares storage with original")
	}

	dst := TagCollection{"kind": {"note"}}
	tags.CopyTo(dst)
	if len(dst["kind"]) != 1 || len(dst["user"]) != 2 {
		t.Errorf("CopyTo() = %v", dst)
	}

	if got := len(tags.Pairs()); got != 3 {
		t.Errorf("Pairs() returned %d entries, want 3", got)
	}
}

func TestMimeTypeFromFileName(t *testing.T) {
	tests := []struct {
		name string
		file string
		want string
	}{
		{name: "text", file: "notes.txt", want: MimeTypePlainText},
		{name: "markdown upper case", file: "README.MD", want: MimeTypeMarkDown},
		{name: "html", file: "page.html", want: MimeTypeHTML},
		{name: "json", file: "data.json", want: MimeTypeJSON},
		{name: "url", file: "site.url", want: MimeTypeWebPageURL},
		{name: "unknown", file: "image.png", want: MimeTypeUnknown},
		{name: "no extension", file: "Makefile", want: MimeTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MimeTypeFromFileName(tt.file); got != tt.want {
				t.Errorf("MimeTypeFromFileName(%q) = %q, want %q", tt.file, got, tt.want)
			}
		})
	}
}
