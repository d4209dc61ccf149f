package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const googleDocMime = "application/vnd.google-apps.document"

// DriveFile is one importable file in a Drive folder.
type DriveFile struct {
	ID           string
	Name         string
	MimeType     string
	ModifiedTime string
}

// DriveSource lists and downloads documents from Google Drive.
type DriveSource struct {
	service *drive.Service
}

// NewDriveSource authorises with an OAuth client credentials file and a stored token.
func NewDriveSource(ctx context.Context, credentialsFile, tokenFile string) (*DriveSource, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading drive credentials: %w", err)
	}
	oauth2Config, err := google.ConfigFromJSON(b, drive.DriveReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing drive credentials: %w", err)
	}
	token, err := loadToken(tokenFile)
	if err != nil {
		return nil, err
	}
	client := oauth2Config.Client(ctx, token)
	return NewDriveSourceWithOptions(ctx, option.WithHTTPClient(client))
}

func NewDriveSourceWithOptions(ctx context.Context, opts ...option.ClientOption) (*DriveSource, error) {
	service, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}
	return &DriveSource{service: service}, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening drive token: %w", err)
	}
	defer f.Close()
	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, fmt.Errorf("decoding drive token: %w", err)
	}
	return token, nil
}

// List returns the supported files directly inside folderID.
func (d *DriveSource) List(ctx context.Context, folderID string) ([]DriveFile, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", strings.ReplaceAll(folderID, "'", `\'`))
	var out []DriveFile
	pageToken := ""
	for {
		call := d.service.Files.List().
			Q(q).
			Fields("nextPageToken, files(id, name, mimeType, modifiedTime)").
			PageSize(100).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		r, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("listing drive folder %s: %w", folderID, err)
		}
		for _, f := range r.Files {
			if f.MimeType != googleDocMime && !Supported(f.Name) {
				continue
			}
			out = append(out, DriveFile{ID: f.Id, Name: f.Name, MimeType: f.MimeType, ModifiedTime: f.ModifiedTime})
		}
		if r.NextPageToken == "" {
			return out, nil
		}
		pageToken = r.NextPageToken
	}
}

// Fetch downloads f. Google Docs are exported as plain text, so the returned
// filename carries a .txt extension for Extract.
func (d *DriveSource) Fetch(ctx context.Context, f DriveFile) (string, []byte, error) {
	filename := f.Name
	var body io.ReadCloser
	if f.MimeType == googleDocMime {
		resp, err := d.service.Files.Export(f.ID, "text/plain").Context(ctx).Download()
		if err != nil {
			return "", nil, fmt.Errorf("exporting %s: %w", f.Name, err)
		}
		body = resp.Body
		filename += ".txt"
	} else {
		resp, err := d.service.Files.Get(f.ID).Context(ctx).Download()
		if err != nil {
			return "", nil, fmt.Errorf("downloading %s: %w", f.Name, err)
		}
		body = resp.Body
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return "", nil, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	return filename, data, nil
}
