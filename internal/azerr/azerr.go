// Package azerr classifies Azure SDK errors.
package azerr

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// IsAlreadyExists reports a 409 (or one of the given service error codes).
func IsAlreadyExists(err error, codes ...string) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	for _, code := range codes {
		if strings.EqualFold(respErr.ErrorCode, code) {
			return true
		}
	}
	return len(codes) == 0 && respErr.StatusCode == http.StatusConflict
}

// IsNotFound reports a 404 response.
func IsNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

// IsAuthFailure reports credential errors and 401/403 responses; retrying them cannot help.
func IsAuthFailure(err error) bool {
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return true
	}
	var unavailable *azidentity.CredentialUnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden
	}
	return false
}
