package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// GetGCSClient exposes the shared Google Cloud Storage client.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	return getGoogleClient(ctx)
}

// Only the document types the pipeline can ingest or export.
var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"text/csv":        true,
	"text/plain":      true, // CSVs are frequently sniffed as text/plain
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
}

// UploadBytesToGCS stores an uploaded document under the given object name.
func UploadBytesToGCS(ctx context.Context, objectName string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if contentType == "application/zip" && strings.HasSuffix(objectName, ".xlsx") {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if strings.HasPrefix(contentType, "text/plain") {
		contentType = "text/csv"
	}
	if !allowedMimeTypes[strings.Split(contentType, ";")[0]] {
		return fmt.Errorf("unsupported file type: %s", contentType)
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return errors.New("GCS_BUCKET is required")
	}

	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := wc.Write(data); err != nil {
		return fmt.Errorf("failed to upload bytes to Google Cloud Storage: %v", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %v", err)
	}
	return nil
}

// ReadObjectFromGCS loads a stored document (used by the export handler to
// attach the original RFP name and by ops tooling).
func ReadObjectFromGCS(ctx context.Context, objectName string) ([]byte, error) {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}

	reader, err := client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	buf := make([]byte, 0, reader.Attrs.Size)
	tmp := make([]byte, 32*1024)
	for {
		n, rerr := reader.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if rerr != nil {
			if rerr.Error() == "EOF" {
				break
			}
			return nil, rerr
		}
	}
	return buf, nil
}

// DeleteObjectFromGCS removes a stored document. Missing objects are not an error:
// job deletion must succeed even if the file is already gone.
func DeleteObjectFromGCS(ctx context.Context, objectName string) error {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return errors.New("GCS_BUCKET is required")
	}

	err = client.Bucket(bucketName).Object(objectName).Delete(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil
		}
		return err
	}
	return nil
}
