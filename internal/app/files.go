package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"cord/api/internal/files"
	"cord/api/internal/rbac"
	"cord/api/internal/store"
	"cord/api/internal/util"
)

type CreateFileInput struct {
	Name     string `json:"name" validate:"required,max=512"`
	MimeType string `json:"mimeType" validate:"required,max=255"`
	Size     int64  `json:"size" validate:"required,min=1"`
}

type FileView struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	MimeType        string  `json:"mimeType"`
	Size            int64   `json:"size"`
	Status          string  `json:"uploadStatus"`
	UploadURL       string  `json:"uploadURL,omitempty"`
	UploadExpiresAt *string `json:"uploadExpiresAt,omitempty"`
	URL             string  `json:"url,omitempty"`
}

func (s *Service) storage() (fileStorage, error) {
	if s.files == nil {
		return nil, domainError(http.StatusInternalServerError, CodeServerError, "file storage is not configured", nil)
	}
	return s.files, nil
}

func mapStorageError(err error) error {
	if errors.Is(err, files.ErrNotConfigured) {
		return domainError(http.StatusInternalServerError, CodeServerError, "file storage is not configured", nil)
	}
	return err
}

// CreateFile registers an upload and returns a presigned URL the client PUTs
// the bytes to.
func (s *Service) CreateFile(ctx context.Context, v Viewer, input CreateFileInput) (FileView, error) {
	if err := s.require(v, rbac.ActionComment); err != nil {
		return FileView{}, err
	}
	if err := validateInput(input); err != nil {
		return FileView{}, err
	}
	if input.Size > files.MaxUploadSize {
		return FileView{}, invalidRequest("file is larger than %d bytes", files.MaxUploadSize)
	}
	storage, err := s.storage()
	if err != nil {
		return FileView{}, err
	}
	id := util.NewID("file")
	key := files.Key(v.AppID, id, strings.TrimSpace(input.Name))
	uploadURL, expires, err := storage.UploadURL(ctx, key)
	if err != nil {
		return FileView{}, mapStorageError(err)
	}
	file, err := s.store.InsertFile(ctx, store.File{
		ID:         id,
		AppID:      v.AppID,
		UploaderID: v.UserID,
		Name:       input.Name,
		MimeType:   input.MimeType,
		Size:       input.Size,
		StorageKey: key,
	})
	if err != nil {
		return FileView{}, err
	}
	view := fileView(file)
	view.UploadURL = uploadURL
	view.UploadExpiresAt = formatTimePtr(&expires)
	return view, nil
}

// CompleteFileUpload checks the object landed with the declared size and
// marks the file uploaded, or failed when it did not.
func (s *Service) CompleteFileUpload(ctx context.Context, v Viewer, fileID string) (FileView, error) {
	file, err := s.ownFile(ctx, v, fileID)
	if err != nil {
		return FileView{}, err
	}
	storage, err := s.storage()
	if err != nil {
		return FileView{}, err
	}
	status := store.FileStatusUploaded
	size, err := storage.Stat(ctx, file.StorageKey)
	if err != nil || size != file.Size {
		status = store.FileStatusFailed
	}
	if err := s.store.SetFileStatus(ctx, v.AppID, file.ID, status); err != nil {
		return FileView{}, err
	}
	file.Status = status
	return fileView(file), nil
}

func (s *Service) GetFile(ctx context.Context, v Viewer, fileID string) (FileView, error) {
	file, err := s.ownFile(ctx, v, fileID)
	if err != nil {
		return FileView{}, err
	}
	view := fileView(file)
	if file.Status != store.FileStatusUploaded {
		return view, nil
	}
	storage, err := s.storage()
	if err != nil {
		return FileView{}, err
	}
	view.URL, err = storage.DownloadURL(ctx, file.StorageKey, file.Name)
	if err != nil {
		return FileView{}, mapStorageError(err)
	}
	return view, nil
}

func (s *Service) ownFile(ctx context.Context, v Viewer, fileID string) (store.File, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return store.File{}, err
	}
	file, err := s.store.GetFile(ctx, v.AppID, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return store.File{}, notFound("file")
	}
	return file, err
}

func fileView(f store.File) FileView {
	return FileView{ID: f.ID, Name: f.Name, MimeType: f.MimeType, Size: f.Size, Status: f.Status}
}
