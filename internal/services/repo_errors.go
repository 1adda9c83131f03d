package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirana-mart/api/internal/repositories"
)

// storageFailure logs a repository error and returns sentinel with only the caller-safe subject
// attached. Storage detail such as gRPC status text or document paths never leaves the service.
func storageFailure(ctx context.Context, logger func(context.Context, string, map[string]any), event string, sentinel error, subject string, cause error) error {
	logger(ctx, event, map[string]any{
		"subject": subject,
		"error":   cause.Error(),
	})
	if subject == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, subject)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsConflict()
	}
	return false
}

func isRepoUnavailable(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsUnavailable()
	}
	return false
}
