package esocial

import (
	"errors"
	"strconv"
	"strings"

	"github.com/hemobras/esocial/internal/xmlsig"
)

// Response codes returned in status/cdResposta.
const (
	// CodeSuccess acknowledges a received batch or a processed one.
	CodeSuccess         = 201
	CodeBatchProcessing = 101
)

// ErrNoStatus is returned when a response carries no status/cdResposta element.
var ErrNoStatus = errors.New("response has no status")

// Status is the status block of a submission or query response.
type Status struct {
	Code        int
	Description string
	// Protocol is the protocoloEnvio, present on submission receipts and query replies.
	Protocol string
}

// Pending reports whether the batch is still waiting to be processed.
func (s *Status) Pending() bool {
	return s.Code == CodeBatchProcessing
}

// ParseStatus reads the status block of a response body. Namespaces are ignored.
func ParseStatus(body string) (*Status, error) {
	doc, err := xmlsig.Parse([]byte(body))
	if err != nil {
		return nil, err
	}

	codeEl := doc.FindElement("//status/cdResposta")
	if codeEl == nil {
		return nil, ErrNoStatus
	}

	code, err := strconv.Atoi(strings.TrimSpace(codeEl.Text()))
	if err != nil {
		return nil, errors.Join(ErrNoStatus, err)
	}

	st := &Status{Code: code}
	if el := doc.FindElement("//status/descResposta"); el != nil {
		st.Description = strings.TrimSpace(el.Text())
	}
	if el := doc.FindElement("//protocoloEnvio"); el != nil {
		st.Protocol = strings.TrimSpace(el.Text())
	}
	return st, nil
}
