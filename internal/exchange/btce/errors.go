package btce

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"spot-arb/internal/core"
)

var nonceHint = regexp.MustCompile(`you should send:(\d+)`)

var apiErrorMessageKinds = []struct {
	fragment string
	kind     error
}{
	{"you should send:", core.ErrNonceDesync},
	{"invalid nonce", core.ErrNonceDesync},
	{"it is not enough", core.ErrInsufficientBalance},
	{"must be greater than", core.ErrOutsideLimits},
	{"must be less than", core.ErrOutsideLimits},
	{"invalid order id", core.ErrOrderNotFound},
	{"bad status", core.ErrOrderNotFound},
}

func wrapAPIError(method, msg string) error {
	return classifyAPIError(APIError{Method: method, Msg: msg})
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	normalizedMsg := normalizeAPIErrorMsg(apiErr.Msg)
	for _, k := range apiErrorMessageKinds {
		if strings.Contains(normalizedMsg, k.fragment) {
			kinds = appendErrorKind(kinds, k.kind)
		}
	}
	if apiErr.Method == methodTrade && len(kinds) == 0 {
		kinds = appendErrorKind(kinds, core.ErrOrderRejected)
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

// expectedNonce extracts the nonce the server asks for after a desync.
func expectedNonce(err error) (int64, bool) {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return 0, false
	}
	m := nonceHint.FindStringSubmatch(apiErr.Msg)
	if m == nil {
		return 0, false
	}
	n, convErr := strconv.ParseInt(m[1], 10, 64)
	if convErr != nil {
		return 0, false
	}
	return n, true
}

func isNoOrders(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && strings.HasPrefix(normalizeAPIErrorMsg(apiErr.Msg), "no orders")
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
