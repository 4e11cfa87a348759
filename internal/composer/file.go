package composer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
)

// FileFromPath describes a local file for staging. The content type is
// sniffed from the file's leading bytes.
func FileFromPath(path string) (domain.Upload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.Upload{}, err
	}
	if info.IsDir() {
		return domain.Upload{}, fmt.Errorf("%s is a directory", path)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("detect content type: %w", err)
	}
	return domain.Upload{
		Filename:    filepath.Base(path),
		ContentType: mt.String(),
		Size:        info.Size(),
		Open:        func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// DetectContentType sniffs data when the caller supplied no usable type.
func DetectContentType(declared string, head []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return mimetype.Detect(head).String()
}
