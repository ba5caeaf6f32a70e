package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/dmitrijs2005/fieldcap/internal/server/auth"
	"github.com/dmitrijs2005/fieldcap/internal/server/keys"
	"github.com/dmitrijs2005/fieldcap/internal/server/storage"
)

// UploadTicket tells a device where and how to send its bytes.
type UploadTicket struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Key       string            `json:"key"`
	ExpiresIn int64             `json:"expiresIn"`
}

// DownloadTicket is a time-limited link to a stored object.
type DownloadTicket struct {
	DownloadURL string `json:"downloadUrl"`
	ExpiresIn   int64  `json:"expiresIn"`
	Key         string `json:"key"`
	Kind        string `json:"kind"`
}

type PresignService struct {
	issuer        *auth.Issuer
	stores        storage.Partitions
	publicBaseURL string
	getTTL        time.Duration
}

func NewPresignService(issuer *auth.Issuer, stores storage.Partitions, publicBaseURL string, getTTL time.Duration) *PresignService {
	if getTTL <= 0 {
		getTTL = auth.DefaultTTL
	}
	return &PresignService{
		issuer:        issuer,
		stores:        stores,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		getTTL:        getTTL,
	}
}

// PresignPut issues an upload token and wraps it in a URL on this service.
func (s *PresignService) PresignPut(deviceID, objectKey, contentType, kind string) (UploadTicket, error) {
	token, g, err := s.issuer.Issue(deviceID, objectKey, contentType, kind)
	if err != nil {
		return UploadTicket{}, err
	}
	return UploadTicket{
		UploadURL: s.publicBaseURL + "/fput/" + token,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": g.ContentType},
		Key:       g.ObjectKey,
		ExpiresIn: int64(s.issuer.TTL() / time.Second),
	}, nil
}

// PresignGet returns a download link for objectKey, which is relative to the
// device (a leading device prefix is tolerated).
func (s *PresignService) PresignGet(ctx context.Context, deviceID, objectKey, kind string) (DownloadTicket, error) {
	if !keys.ValidDeviceID(deviceID) {
		return DownloadTicket{}, common.ErrInvalidDevice
	}
	if objectKey == "" {
		return DownloadTicket{}, fmt.Errorf("%w: objectKey is required", common.ErrBadRequest)
	}
	if kind == "" {
		kind = common.KindPhotos
	}
	store, err := s.stores.For(kind)
	if err != nil {
		return DownloadTicket{}, err
	}
	rel, err := keys.SafeRelative(keys.Relative(deviceID, objectKey))
	if err != nil {
		return DownloadTicket{}, err
	}
	if keys.Reserved(rel) {
		return DownloadTicket{}, fmt.Errorf("%w: %s is reserved", common.ErrUnsafeKey, rel)
	}

	key := keys.Object(deviceID, rel)
	u, err := store.PresignGet(ctx, key, s.getTTL)
	if err != nil {
		return DownloadTicket{}, fmt.Errorf("presign get: %w", err)
	}
	return DownloadTicket{
		DownloadURL: u,
		ExpiresIn:   int64(s.getTTL / time.Second),
		Key:         key,
		Kind:        kind,
	}, nil
}
