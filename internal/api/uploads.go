package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dharsanguruparan/SlideFill/internal/transfer"
)

const defaultUploadFolder = "uploads"

// handleUpload streams a multipart "file" part into the blob store under
// <folder>/<uuid><ext>. The optional "folder" field must come before the
// file part.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "expecting multipart form")
		return
	}
	folder := defaultUploadFolder
	var part *multipart.Part
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		if p.FormName() == "folder" {
			raw, _ := io.ReadAll(io.LimitReader(p, 256))
			p.Close()
			f, ok := cleanFolder(string(raw))
			if !ok {
				respondError(w, http.StatusBadRequest, "invalid folder")
				return
			}
			folder = f
			continue
		}
		if p.FormName() == "file" {
			part = p
			break
		}
		p.Close()
	}
	if part == nil {
		respondError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer part.Close()

	tmp, err := s.persistTemp(part)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()

	key := transfer.NewKey(folder, filepath.Ext(tmp.filename))
	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		s.writeErr(w, r, fmt.Errorf("rewind temp file: %w", err))
		return
	}
	ref, err := s.blobs.Write(ctx, key, tmp.f, tmp.size, tmp.contentType)
	if err != nil {
		s.writeErr(w, r, fmt.Errorf("store upload: %w", err))
		return
	}
	s.logger.Info("upload stored", "key", ref.Key, "bytes", tmp.size, "content_type", tmp.contentType, "owner_id", callerFrom(r))
	respondJSON(w, http.StatusCreated, map[string]any{
		"key":         ref.Key,
		"url":         ref.URL,
		"size":        tmp.size,
		"contentType": tmp.contentType,
	})
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

// persistTemp spools the part to disk so the blob store gets an exact size,
// enforcing the configured limit while copying.
func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "slidefill-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	fail := func(err error) (*tempUpload, error) {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, err
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				return fail(fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize))
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("write temp file: %w", err))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fail(fmt.Errorf("read file: %w", readErr))
		}
	}
	if written == 0 {
		return fail(errors.New("empty file"))
	}
	filename := filepath.Base(part.FileName())
	if filename == "." || filename == "/" || filename == "" {
		filename = "upload.bin"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: contentTypeFor(filename, sniff),
		filename:    filename,
	}, nil
}

// contentTypeFor trusts the extension first since office documents all
// sniff as application/zip.
func contentTypeFor(filename string, sniff []byte) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ct, ok := officeTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return http.DetectContentType(sniff)
}

var officeTypes = map[string]string{
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pdf":  "application/pdf",
}

func cleanFolder(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultUploadFolder, true
	}
	clean := strings.Trim(path.Clean("/"+raw), "/")
	if clean == "" || strings.HasPrefix(clean, ".") || len(clean) > 64 {
		return "", false
	}
	for _, r := range clean {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '/':
		default:
			return "", false
		}
	}
	return clean, true
}
