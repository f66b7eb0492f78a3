package fileutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
	"gorgonia.org/tensor"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

func ReadFileBytes(ctx context.Context, filename string) ([]byte, error) {
	file, err := fileSystem.OpenURL(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, file.Close())
	}(file)

	buf := &bytes.Buffer{}
	if _, readErr := io.Copy(buf, file); readErr != nil {
		return nil, readErr
	}
	return buf.Bytes(), err
}

func OpenFile(ctx context.Context, filename string) (io.ReadCloser, error) {
	return fileSystem.OpenURL(ctx, filename)
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// ReadLine returns a single line (without the ending \n) from the buffered reader.
// It is needed to read jsonl documents longer than the 65K bufio.Scanner limit.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix = true
		err      error
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
}

// PathJoinSafe wraps filepath.Join so that s3:// prefixes keep their double slash.
func PathJoinSafe(elem ...string) string {
	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		return basePath + string(filepath.Separator) + filepath.Join(elem[1:]...)
	default:
		return filepath.Join(elem...)
	}
}

func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

func Walk(ctx context.Context, URL string, handler storage.OnVisit) error {
	return fileSystem.Walk(ctx, URL, handler)
}

func CreateDir(ctx context.Context, dir string) error {
	return fileSystem.Create(ctx, dir, os.ModePerm, true)
}

func FileExists(ctx context.Context, filename string) (bool, error) {
	return fileSystem.Exists(ctx, filename)
}

// NewFileWriter opens filename for writing, replacing any existing object.
func NewFileWriter(ctx context.Context, filename string) (io.WriteCloser, error) {
	exists, err := FileExists(ctx, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		if err = fileSystem.Delete(ctx, filename); err != nil {
			return nil, err
		}
	}
	return fileSystem.NewWriter(ctx, filename, 0o644, option.NewSkipChecksum(true))
}

// ReadDense loads a tensor stored in numpy .npy format.
func ReadDense(ctx context.Context, filename string) (*tensor.Dense, error) {
	raw, err := ReadFileBytes(ctx, filename)
	if err != nil {
		return nil, err
	}
	t := new(tensor.Dense)
	if err = t.ReadNpy(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}
	return t, nil
}

// WriteDense stores t in numpy .npy format.
func WriteDense(ctx context.Context, filename string, t *tensor.Dense) (err error) {
	writer, err := NewFileWriter(ctx, filename)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	if err = t.WriteNpy(writer); err != nil {
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	return nil
}
