package pathnorm

import (
	"testing"

	"github.com/zipcas/zipcasd/internal/zipcaserr"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr zipcaserr.Kind
	}{
		{name: "plain", in: "hello.txt", want: "hello.txt"},
		{name: "windows separators", in: `windows\path\z.txt`, want: "windows/path/z.txt"},
		{name: "leading backslash windows separators", in: `\windows\path\z.txt`, want: "windows/path/z.txt"},
		{name: "leading dot slash", in: "./x/y.txt", want: "x/y.txt"},
		{name: "repeated leading dot slash", in: "././a.txt", want: "a.txt"},
		{name: "absolute", in: "/abs.txt", wantErr: zipcaserr.KindInvalidFilename},
		{name: "parent traversal", in: "./x/../y.txt", wantErr: zipcaserr.KindInvalidFilename},
		{name: "nul byte", in: "a\x00b.txt", wantErr: zipcaserr.KindInvalidFilename},
		{name: "drops to empty", in: "./", want: ""},
		{name: "collapses empty segments", in: "a//b.txt", want: "a/b.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Normalize(%q) error = nil, want kind %v", tt.in, tt.wantErr)
				}
				if k := zipcaserr.KindOf(err); k != tt.wantErr {
					t.Fatalf("Normalize(%q) kind = %v, want %v", tt.in, k, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
