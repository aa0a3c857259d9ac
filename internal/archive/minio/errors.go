package minio

import (
	"context"
	"errors"
	"io/fs"
	"net/http"

	miniogo "github.com/minio/minio-go/v7"

	"github.com/koustreak/shopdb/internal/errs"
)

// mapError translates a MinIO SDK error into a *errs.Error.
// It mirrors the mapError functions of the database engines.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindConnection, msg+": timed out", err)
	}

	// FPutObject reads the local file first.
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return errs.Wrap(errs.ErrKindIO, msg, err)
	}

	resp := miniogo.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket", "NoSuchKey", "NoSuchUpload":
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"InvalidBucketName", "InvalidObjectName", "KeyTooLongError":
		return errs.Wrap(errs.ErrKindInvalidConfig, msg, err)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	case http.StatusForbidden, http.StatusUnauthorized, http.StatusBadRequest:
		return errs.Wrap(errs.ErrKindInvalidConfig, msg, err)
	}

	// Anything else is treated as the server being unreachable.
	return errs.Wrap(errs.ErrKindConnection, msg, err)
}
