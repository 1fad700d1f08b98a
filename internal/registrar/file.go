package registrar

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/grid-agent/pkg/types"
)

// DispositionHeader carries the file metadata on file responses.
const DispositionHeader = "content-disposition"

// dispositionPattern matches "filename = <name>; type = <file|dir>". The
// "disposition" key is accepted in place of "type".
var dispositionPattern = regexp.MustCompile(`^\s*filename\s*=\s*"?([^";]+?)"?\s*;\s*(?:type|disposition)\s*=\s*(file|dir)\s*$`)

// FormatDisposition builds the header value for a file response.
func FormatDisposition(filename string, isDirectory bool) string {
	kind := "file"
	if isDirectory {
		kind = "dir"
	}
	return fmt.Sprintf("filename = %s; type = %s", filename, kind)
}

// ParseDisposition reads the filename and directory marker from a header value.
func ParseDisposition(header string) (string, bool, error) {
	if header == "" {
		return "", false, fmt.Errorf("%w: missing %s header", types.ErrFileTransport, DispositionHeader)
	}
	m := dispositionPattern.FindStringSubmatch(header)
	if m == nil {
		return "", false, fmt.Errorf("%w: malformed %s header %q", types.ErrFileTransport, DispositionHeader, header)
	}
	return strings.TrimSpace(m[1]), m[2] == "dir", nil
}

// Fetch retrieves a file or directory archive by id.
func (r *Registrar) Fetch(ctx context.Context, fileID string) (types.FileVersion, error) {
	fv, err := r.fetch(ctx, fileID)
	r.metrics.RecordFileFetch(err == nil)
	if err != nil {
		r.logger.Error("File retrieval failed", zap.String("file_id", fileID), zap.Error(err))
	}
	return fv, err
}

func (r *Registrar) fetch(ctx context.Context, fileID string) (types.FileVersion, error) {
	if err := ctx.Err(); err != nil {
		return types.FileVersion{}, err
	}

	url := r.url(FilePath + fileID)
	resp := fiber.AcquireResponse()
	defer fiber.ReleaseResponse(resp)

	req := r.prepare(r.client.Get(url))
	req.SetResponse(resp)

	statusCode, body, errs := req.Bytes()
	if len(errs) > 0 {
		return types.FileVersion{}, fmt.Errorf("fetch file %s: %w", fileID, errs[0])
	}
	if statusCode != fiber.StatusOK {
		return types.FileVersion{}, fmt.Errorf("%w: %s returned status %d", types.ErrFileTransport, url, statusCode)
	}

	filename, isDir, err := ParseDisposition(string(resp.Header.Peek(DispositionHeader)))
	if err != nil {
		return types.FileVersion{}, err
	}

	return types.FileVersion{
		FileID:      fileID,
		Filename:    filename,
		IsDirectory: isDir,
		Content:     append([]byte(nil), body...),
	}, nil
}
