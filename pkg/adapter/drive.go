package adapter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DriveFile is the listing metadata of a Drive file
type DriveFile struct {
	ID           string
	Name         string
	MimeType     string
	ModifiedTime time.Time
	WebViewLink  string
}

// Drive reads files of Google Drive folders
type Drive interface {
	// ListFiles returns every non-trashed file directly in the folder
	ListFiles(ctx context.Context, folderID string) ([]*DriveFile, error)
	// Export converts a Google Workspace file to mimeType
	Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error)
	// Download opens the content of a binary or text file
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

type driveClient struct {
	svc *drive.Service
}

// NewDrive creates a Drive client with application default credentials or the
// given service account key file
func NewDrive(ctx context.Context, credentialsFile string) (Drive, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, option.WithScopes(drive.DriveReadonlyScope))

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create drive service")
	}
	return &driveClient{svc: svc}, nil
}

func (d *driveClient) ListFiles(ctx context.Context, folderID string) ([]*DriveFile, error) {
	query := fmt.Sprintf("'%s' in parents and trashed = false", strings.ReplaceAll(folderID, "'", `\'`))

	var files []*DriveFile
	err := d.svc.Files.List().
		Q(query).
		Fields("nextPageToken, files(id, name, mimeType, modifiedTime, webViewLink)").
		PageSize(1000).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				modified, err := time.Parse(time.RFC3339, f.ModifiedTime)
				if err != nil {
					return goerr.Wrap(err, "invalid modifiedTime",
						goerr.V("file_id", f.Id),
						goerr.V("modified_time", f.ModifiedTime))
				}
				files = append(files, &DriveFile{
					ID:           f.Id,
					Name:         f.Name,
					MimeType:     f.MimeType,
					ModifiedTime: modified,
					WebViewLink:  f.WebViewLink,
				})
			}
			return nil
		})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list drive files", goerr.V("folder_id", folderID))
	}
	return files, nil
}

func (d *driveClient) Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error) {
	resp, err := d.svc.Files.Export(fileID, mimeType).Context(ctx).Download()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to export drive file",
			goerr.V("file_id", fileID),
			goerr.V("mime_type", mimeType))
	}
	return resp.Body, nil
}

func (d *driveClient) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := d.svc.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to download drive file", goerr.V("file_id", fileID))
	}
	return resp.Body, nil
}
