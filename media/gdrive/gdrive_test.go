package gdrive

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/onnwee/line-sheets/media"
	"github.com/onnwee/line-sheets/testutil"
)

var jpeg = []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0x10, 'J', 'F', 'I', 'F', 0, 1}

func TestUploadIntoFolder(t *testing.T) {
	mock := testutil.NewMockGoogleServer(t)
	mock.AddFolder("folder-1")
	u := New(mock.DriveService(t), "folder-1")

	res, err := u.Upload(context.Background(), jpeg, "linebot_image_1.jpg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.URL != "https://drive.google.com/file/d/"+res.ObjectID+"/view" || res.Backend != "drive" {
		t.Errorf("result = %+v", res)
	}
	f := mock.File(res.ObjectID)
	if f == nil {
		t.Fatal("file not created")
	}
	if len(f.Parents) != 1 || f.Parents[0] != "folder-1" {
		t.Errorf("parents = %v, want [folder-1]", f.Parents)
	}
	if !f.Public {
		t.Error("file not shared with anyone/reader")
	}
	if f.MimeType != "image/jpeg" || !bytes.Equal(f.Data, jpeg) || f.Name != "linebot_image_1.jpg" {
		t.Errorf("file = %q %q %d bytes", f.Name, f.MimeType, len(f.Data))
	}
}

func TestUploadFolderFallback(t *testing.T) {
	tests := []struct {
		name   string
		folder string
	}{
		{"unconfigured", ""},
		{"inaccessible", "missing-folder"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockGoogleServer(t)
			u := New(mock.DriveService(t), tt.folder)
			res, err := u.Upload(context.Background(), jpeg, "a.jpg")
			if err != nil {
				t.Fatalf("Upload should not fail because of the folder: %v", err)
			}
			if f := mock.File(res.ObjectID); f == nil || len(f.Parents) != 0 {
				t.Errorf("expected root upload, got %+v", f)
			}
		})
	}
}

func TestUploadQuotaExceeded(t *testing.T) {
	mock := testutil.NewMockGoogleServer(t)
	mock.UploadErr = &testutil.APIError{Code: http.StatusForbidden, Reason: "storageQuotaExceeded"}
	u := New(mock.DriveService(t), "")

	_, err := u.Upload(context.Background(), jpeg, "a.jpg")
	var ue *media.UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *media.UploadError", err)
	}
	if ue.Kind != media.KindQuota || ue.Step != "create" {
		t.Errorf("UploadError = kind %v step %q", ue.Kind, ue.Step)
	}
}

func TestUploadPermissionFailureDeletesFile(t *testing.T) {
	mock := testutil.NewMockGoogleServer(t)
	mock.PermissionErr = &testutil.APIError{Code: http.StatusForbidden, Reason: "insufficientFilePermissions"}
	u := New(mock.DriveService(t), "")

	_, err := u.Upload(context.Background(), jpeg, "a.jpg")
	var ue *media.UploadError
	if !errors.As(err, &ue) || ue.Step != "permission" || ue.Kind != media.KindPermission {
		t.Fatalf("error = %v, want permission-step UploadError", err)
	}
	if len(mock.Deleted) != 1 {
		t.Fatalf("deleted = %v, want the created file removed", mock.Deleted)
	}
	if mock.File(mock.Deleted[0]) != nil {
		t.Error("file still present after compensation")
	}
}

func TestUploadPermissionFailureDeleteFails(t *testing.T) {
	mock := testutil.NewMockGoogleServer(t)
	mock.PermissionErr = &testutil.APIError{Code: http.StatusInternalServerError, Reason: "backendError"}
	mock.DeleteErr = &testutil.APIError{Code: http.StatusInternalServerError, Reason: "backendError"}
	u := New(mock.DriveService(t), "")

	if _, err := u.Upload(context.Background(), jpeg, "a.jpg"); err == nil {
		t.Fatal("expected error")
	}
	if len(mock.Files) != 1 {
		t.Errorf("files = %d, want the orphan left in place", len(mock.Files))
	}
}

func TestUploadRechecksFolderUntilAccessible(t *testing.T) {
	mock := testutil.NewMockGoogleServer(t)
	u := New(mock.DriveService(t), "folder-1")

	first, err := u.Upload(context.Background(), jpeg, "a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if f := mock.File(first.ObjectID); len(f.Parents) != 0 {
		t.Fatalf("first upload parents = %v, want root", f.Parents)
	}

	mock.AddFolder("folder-1")
	second, err := u.Upload(context.Background(), jpeg, "b.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if f := mock.File(second.ObjectID); len(f.Parents) != 1 || f.Parents[0] != "folder-1" {
		t.Errorf("second upload parents = %v, want [folder-1]", f.Parents)
	}
}

func TestUploadExpiredContextDoesNotPinRoot(t *testing.T) {
	mock := testutil.NewMockGoogleServer(t)
	mock.AddFolder("folder-1")
	u := New(mock.DriveService(t), "folder-1")

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := u.Upload(expired, jpeg, "a.jpg"); err == nil {
		t.Fatal("upload with a cancelled context should fail")
	}

	res, err := u.Upload(context.Background(), jpeg, "b.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if f := mock.File(res.ObjectID); len(f.Parents) != 1 || f.Parents[0] != "folder-1" {
		t.Errorf("parents = %v, want [folder-1]", f.Parents)
	}
}

func TestCheckFolder(t *testing.T) {
	mock := testutil.NewMockGoogleServer(t)
	mock.AddFolder("folder-1")
	svc := mock.DriveService(t)

	if name, err := New(svc, "").CheckFolder(context.Background()); err != nil || name != "" {
		t.Errorf("unconfigured = %q, %v", name, err)
	}
	if name, err := New(svc, "folder-1").CheckFolder(context.Background()); err != nil || name != "folder" {
		t.Errorf("accessible = %q, %v", name, err)
	}
	if _, err := New(svc, "missing").CheckFolder(context.Background()); err == nil {
		t.Error("missing folder should fail")
	}
}
