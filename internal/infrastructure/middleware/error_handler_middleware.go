package middleware

import (
	stderrors "errors"
	"net/http"

	"twine/internal/core/domain"
	"twine/internal/core/services"
	"twine/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// appError maps domain errors onto API errors.
func appError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	var ackErr *domain.AckError
	switch {
	case stderrors.Is(err, domain.ErrSignalingTimeout):
		return errors.NewSignalingTimeoutError(err)
	case stderrors.As(err, &ackErr):
		return errors.NewRelayRejectedError(err).WithContext("event", ackErr.Event)
	case stderrors.Is(err, domain.ErrScreenSourceRequired),
		stderrors.Is(err, domain.ErrNoScreenTrack):
		return errors.NewScreenCaptureError(err)
	case stderrors.Is(err, domain.ErrPermissionDenied),
		stderrors.Is(err, domain.ErrDeviceNotFound):
		return errors.WrapError(err, errors.ErrCodeMediaUnavailable, err.Error(), http.StatusUnprocessableEntity)
	case stderrors.Is(err, domain.ErrNotInRoom),
		stderrors.Is(err, domain.ErrAlreadyInRoom):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrUnknownProfile):
		return errors.NewInvalidInputError(err.Error())
	case stderrors.Is(err, domain.ErrPeerNotFound):
		return errors.NewNotFoundError("peer")
	case stderrors.Is(err, domain.ErrSignalingNotConnected):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, err.Error(), http.StatusServiceUnavailable)
	case stderrors.Is(err, services.ErrInvalidToken),
		stderrors.Is(err, services.ErrExpiredToken),
		stderrors.Is(err, services.ErrUnauthorized):
		return errors.NewUnauthorizedError(err.Error())
	}
	return nil
}

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := appError(err); appErr != nil {
			logger.Warnw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err,
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
