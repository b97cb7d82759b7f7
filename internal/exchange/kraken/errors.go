package kraken

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"kraken-core/internal/core"
)

var apiErrorMessageKinds = map[string][]error{
	"eapi:rate limit exceeded":       {core.ErrRateLimited},
	"eorder:rate limit exceeded":     {core.ErrRateLimited},
	"egeneral:too many requests":     {core.ErrRateLimited},
	"eapi:invalid key":               {core.ErrAuth},
	"eapi:invalid signature":         {core.ErrAuth},
	"eapi:invalid nonce":             {core.ErrAuth},
	"egeneral:permission denied":     {core.ErrAuth},
	"eservice:unavailable":           {core.ErrTransient},
	"eservice:busy":                  {core.ErrTransient},
	"eservice:deadline elapsed":      {core.ErrTransient},
	"egeneral:internal error":        {core.ErrTransient},
	"eorder:insufficient funds":      {core.ErrInsufficientBalance, core.ErrOrderRejected},
	"eorder:unknown order":           {core.ErrOrderNotFound},
	"eorder:invalid order":           {core.ErrOrderRejected},
	"eorder:orders limit exceeded":   {core.ErrOrderRejected},
	"eorder:order minimum not met":   {core.ErrOrderRejected},
	"eorder:cost minimum not met":    {core.ErrOrderRejected},
	"eorder:invalid price":           {core.ErrOrderRejected},
	"eorder:post only order":         {core.ErrOrderRejected},
	"egeneral:invalid arguments":     {core.ErrOrderRejected},
	"eorder:duplicate order":         {core.ErrDuplicateOrder},
	"eorder:duplicate client order":  {core.ErrDuplicateOrder},
	"eorder:duplicate cl_ord_id":     {core.ErrDuplicateOrder},
	"eorder:cannot open position":    {core.ErrOrderRejected},
	"eorder:margin allowance exceed": {core.ErrOrderRejected},
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
	switch {
	case apiErr.Status == http.StatusTooManyRequests:
		kinds = appendErrorKind(kinds, core.ErrRateLimited)
	case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
		kinds = appendErrorKind(kinds, core.ErrAuth)
	case apiErr.Status >= 500:
		kinds = appendErrorKind(kinds, core.ErrTransient)
	}
	for _, msg := range apiErr.Messages {
		normalized := normalizeAPIErrorMsg(msg)
		if found, ok := apiErrorMessageKinds[normalized]; ok {
			for _, kind := range found {
				kinds = appendErrorKind(kinds, kind)
			}
			continue
		}
		switch {
		case strings.Contains(normalized, "duplicate"):
			kinds = appendErrorKind(kinds, core.ErrDuplicateOrder)
		case strings.HasPrefix(normalized, "eorder:"):
			kinds = appendErrorKind(kinds, core.ErrOrderRejected)
		case strings.HasPrefix(normalized, "eservice:"):
			kinds = appendErrorKind(kinds, core.ErrTransient)
		}
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

// normalizeAPIErrorMsg lowercases and strips the optional ":detail" suffix
// after the category:message pair.
func normalizeAPIErrorMsg(msg string) string {
	msg = strings.ToLower(strings.TrimSpace(msg))
	if parts := strings.SplitN(msg, ":", 3); len(parts) == 3 {
		msg = parts[0] + ":" + parts[1]
	}
	return msg
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

func itoa(v int) string {
	return strconv.Itoa(v)
}
