package source

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/adapter"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/policy"
)

const (
	mimeGoogleDoc    = "application/vnd.google-apps.document"
	mimeGoogleSheet  = "application/vnd.google-apps.spreadsheet"
	mimeGoogleSlides = "application/vnd.google-apps.presentation"
)

// exportMimeTypes maps Google Workspace types to their text export
var exportMimeTypes = map[string]string{
	mimeGoogleDoc:    "text/plain",
	mimeGoogleSheet:  "text/csv",
	mimeGoogleSlides: "text/plain",
}

// Drive lists the files of a Google Drive folder
type Drive struct {
	client   adapter.Drive
	folderID string
	policy   *policy.Policy
}

var _ Source = (*Drive)(nil)

func NewDrive(client adapter.Drive, folderID string, p *policy.Policy) *Drive {
	return &Drive{
		client:   client,
		folderID: folderID,
		policy:   p,
	}
}

func (x *Drive) BucketKey() string {
	return "gdrive://" + x.folderID
}

func driveURI(f *adapter.DriveFile) string {
	if f.WebViewLink != "" {
		return f.WebViewLink
	}
	return "https://drive.google.com/file/d/" + f.ID + "/view"
}

func driveSupported(mimeType string) bool {
	if _, ok := exportMimeTypes[mimeType]; ok {
		return true
	}
	return strings.HasPrefix(mimeType, "text/")
}

func (x *Drive) List(ctx context.Context) (*model.Listing, error) {
	files, err := x.client.ListFiles(ctx, x.folderID)
	if err != nil {
		return nil, goerr.Wrap(model.ErrEnumeration, "failed to list drive folder",
			goerr.V("folder_id", x.folderID),
			goerr.V("cause", err.Error()))
	}

	adm := newAdmitter(x.policy)
	for _, f := range files {
		uri := driveURI(f)
		if !driveSupported(f.MimeType) {
			adm.builder.Unsupported(uri)
			continue
		}

		item := &model.SourceItem{
			ID:           f.ID,
			URI:          uri,
			Name:         f.Name,
			MimeType:     f.MimeType,
			LastModified: f.ModifiedTime,
			RawMetadata: map[string]string{
				"drive_id":        f.ID,
				"drive_name":      f.Name,
				"drive_mime_type": f.MimeType,
			},
		}
		if _, err := adm.add(ctx, item); err != nil {
			return nil, err
		}
	}

	return adm.builder.Build(), nil
}

func (x *Drive) Extract(ctx context.Context, item *model.SourceItem) (string, error) {
	if exportType, ok := exportMimeTypes[item.MimeType]; ok {
		r, err := x.client.Export(ctx, item.ID, exportType)
		if err != nil {
			return "", err
		}
		return readText(r)
	}

	r, err := x.client.Download(ctx, item.ID)
	if err != nil {
		return "", err
	}
	return readText(r)
}
