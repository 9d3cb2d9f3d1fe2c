package mediatypes

import "testing"

func TestGetMediaType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ext  string
		want MediaType
	}{
		{".jpg", TypeImage},
		{".webp", TypeImage},
		{".mkv", TypeVideo},
		{".flac", TypeAudio},
		{".pdf", TypeDocument},
		{".zip", TypeArchive},
		{".xyz", TypeOther},
		{"", TypeOther},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			if got := GetMediaType(tt.ext); got != tt.want {
				t.Errorf("GetMediaType(%q) = %q, want %q", tt.ext, got, tt.want)
			}
		})
	}
}

func TestFromPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want Hint
	}{
		{"/docs/report.PDF", Hint{"application/pdf", TypeDocument}},
		{"/b/backup.tar.gz", Hint{"application/gzip", TypeArchive}},
		{"/p/IMG_0001.JPG", Hint{"image/jpeg", TypeImage}},
		{"/x/unknown", Hint{octetStream, TypeOther}},
	}

	for _, tt := range tests {
		if got := FromPath(tt.path); got != tt.want {
			t.Errorf("FromPath(%q) = %+v, want %+v", tt.path, got, tt.want)
		}
	}
}

func TestSniff(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	zip := []byte("PK\x03\x04\x14\x00\x00\x00")

	tests := []struct {
		name string
		path string
		head []byte
		want Hint
	}{
		{"png without extension", "/x/blob", png, Hint{"image/png", TypeImage}},
		{"misnamed png", "/x/photo.jpg", png, Hint{"image/png", TypeImage}},
		{"docx is zip", "/x/letter.docx", zip, FromPath("/x/letter.docx")},
		{"zip", "/x/bundle.bin", zip, Hint{"application/zip", TypeArchive}},
		{"text falls back to extension", "/x/notes.md", []byte("# title\n"), Hint{"text/markdown", TypeDocument}},
		{"empty head", "/x/a.mp3", nil, Hint{"audio/mpeg", TypeAudio}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sniff(tt.path, tt.head); got != tt.want {
				t.Errorf("Sniff = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestContainerFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		hint Hint
		want string
	}{
		{"/a/photos.zip", Hint{}, ContainerZip},
		{"/a/comic.cbz", Hint{}, ContainerZip},
		{"/a/site.tar", Hint{}, ContainerTar},
		{"/a/site.tar.gz", Hint{}, ContainerTarGz},
		{"/a/site.TGZ", Hint{}, ContainerTarGz},
		{"/a/blob", Hint{MimeType: "application/zip"}, ContainerZip},
		{"/a/report.pdf", Hint{MimeType: "application/pdf"}, ""},
	}

	for _, tt := range tests {
		if got := ContainerFormat(tt.path, tt.hint); got != tt.want {
			t.Errorf("ContainerFormat(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
