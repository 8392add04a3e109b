package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/PaulBabatuyi/s3upload/internal/models"
)

type Attachment struct {
	ID string `json:"id"`
	models.Attachment
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type FileClient struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	progress io.Writer
}

func NewFileClient(baseURL, apiKey string, timeout time.Duration) *FileClient {
	return &FileClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// UploadFile streams a file to the server
func (fc *FileClient) UploadFile(ctx context.Context, filePath string) (*Attachment, error) {
	return fc.send(ctx, http.MethodPost, "/v1/attachments", filePath)
}

// ReplaceFile swaps the object behind id for filePath
func (fc *FileClient) ReplaceFile(ctx context.Context, id, filePath string) (*Attachment, error) {
	return fc.send(ctx, http.MethodPut, "/v1/attachments/"+id, filePath)
}

// GetAttachment retrieves the record for id
func (fc *FileClient) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	req, err := fc.newRequest(ctx, http.MethodGet, "/v1/attachments/"+id, nil)
	if err != nil {
		return nil, err
	}
	var out Attachment
	if err := fc.do(req, &out); err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &out, nil
}

// DeleteAttachment deletes the attachment and its stored object
func (fc *FileClient) DeleteAttachment(ctx context.Context, id string) error {
	req, err := fc.newRequest(ctx, http.MethodDelete, "/v1/attachments/"+id, nil)
	if err != nil {
		return err
	}
	if err := fc.do(req, nil); err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

func (fc *FileClient) send(ctx context.Context, method, path, filePath string) (*Attachment, error) {
	// 1. Open file
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	// 2. Get file info
	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	// 3. Stream the multipart body through a pipe
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, file, fileInfo, detectContentType(filePath), fc.progress))
	}()

	req, err := fc.newRequest(ctx, method, path, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// 4. Send and decode the record
	var out Attachment
	if err := fc.do(req, &out); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", fileInfo.Name(), err)
	}
	return &out, nil
}

func writeMultipart(mw *multipart.Writer, file io.Reader, info os.FileInfo, contentType string, progress io.Writer) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, info.Name()))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	var src io.Reader = file
	if progress != nil {
		src = &progressReader{r: file, total: info.Size(), out: progress}
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if progress != nil {
		fmt.Fprintln(progress)
	}
	return mw.Close()
}

type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	out   io.Writer
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.sent += int64(n)
	if p.total > 0 {
		fmt.Fprintf(p.out, "\rUploading: %.2f%%", float64(p.sent)/float64(p.total)*100)
	}
	return n, err
}

func (fc *FileClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, fc.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if fc.apiKey != "" {
		req.Header.Set("X-API-Key", fc.apiKey)
	}
	return req, nil
}

func (fc *FileClient) do(req *http.Request, out interface{}) error {
	resp, err := fc.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: "unreadable response"}
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// detectContentType sniffs the file; extension based guesses are left to the server.
func detectContentType(filePath string) string {
	mt, err := mimetype.DetectFile(filePath)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

// CheckHealth asks the gRPC health service for service's status.
func CheckHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.Status, nil
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
