// Package esocial composes the batch and query documents exchanged with the
// eSocial web services and sends them through a transport session.
package esocial

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/hemobras/esocial/internal/xmlsig"
)

const (
	// BatchNamespace is the namespace of the batch submission and query documents.
	BatchNamespace = "http://www.esocial.gov.br/schema/lote/eventos/envio/v1_1_1"

	// DefaultSubmissionURL is the restricted production batch submission endpoint.
	DefaultSubmissionURL = "https://webservices.producaorestrita.esocial.gov.br/servicos/empregador/enviarloteeventos/WsEnviarLoteEventos.svc"

	// DefaultQueryURL is the restricted production batch query endpoint.
	DefaultQueryURL = "https://webservices.producaorestrita.esocial.gov.br/servicos/empregador/consultarloteeventos/WsConsultarLoteEventos.svc"

	// Registration types
	InscricaoCNPJ = 1
	InscricaoCPF  = 2
)

var (
	ErrInvalidProtocol = errors.New("protocol is required")
	ErrInvalidHeader   = errors.New("invalid batch header")
)

// Party identifies an employer or transmitter by registration type and number.
type Party struct {
	TpInsc int
	NrInsc string
}

// Validate checks the registration type and that the number holds digits only.
func (p Party) Validate() error {
	if p.TpInsc != InscricaoCNPJ && p.TpInsc != InscricaoCPF {
		return fmt.Errorf("tpInsc must be %d (CNPJ) or %d (CPF), got %d", InscricaoCNPJ, InscricaoCPF, p.TpInsc)
	}
	if p.NrInsc == "" {
		return errors.New("nrInsc is required")
	}
	for _, r := range p.NrInsc {
		if r < '0' || r > '9' {
			return fmt.Errorf("nrInsc must contain digits only, got %q", p.NrInsc)
		}
	}
	return nil
}

// BatchHeader carries the identification written around every submitted event.
type BatchHeader struct {
	Group       int
	Employer    Party
	Transmitter Party
}

// Validate checks both parties. A zero group means group 1.
func (h BatchHeader) Validate() error {
	if h.Group < 0 {
		return fmt.Errorf("%w: grupo must be positive", ErrInvalidHeader)
	}
	if err := h.Employer.Validate(); err != nil {
		return fmt.Errorf("%w: ideEmpregador: %w", ErrInvalidHeader, err)
	}
	if err := h.Transmitter.Validate(); err != nil {
		return fmt.Errorf("%w: ideTransmissor: %w", ErrInvalidHeader, err)
	}
	return nil
}

// WrapBatch embeds one signed event in an envioLoteEventos document. The
// event's XML declaration is dropped and its element is carried unchanged.
func WrapBatch(signedEvent []byte, header BatchHeader) ([]byte, error) {
	if err := header.Validate(); err != nil {
		return nil, err
	}

	event, err := xmlsig.Parse(signedEvent)
	if err != nil {
		return nil, err
	}

	group := header.Group
	if group == 0 {
		group = 1
	}

	doc := etree.NewDocument()
	root := doc.CreateElement("eSocial")
	root.CreateAttr("xmlns", BatchNamespace)

	envio := root.CreateElement("envioLoteEventos")
	envio.CreateAttr("grupo", strconv.Itoa(group))
	addParty(envio, "ideEmpregador", header.Employer)
	addParty(envio, "ideTransmissor", header.Transmitter)

	eventRoot := event.Root()
	if !declaresDefaultNamespace(eventRoot) {
		// keep unprefixed event elements out of the batch namespace
		eventRoot.CreateAttr("xmlns", "")
	}

	eventos := envio.CreateElement("eventos")
	eventos.AddChild(eventRoot)

	return xmlsig.Serialize(doc)
}

func declaresDefaultNamespace(el *etree.Element) bool {
	for _, a := range el.Attr {
		if a.Space == "" && a.Key == "xmlns" {
			return true
		}
	}
	return false
}

func addParty(parent *etree.Element, tag string, p Party) {
	el := parent.CreateElement(tag)
	el.CreateElement("tpInsc").SetText(strconv.Itoa(p.TpInsc))
	el.CreateElement("nrInsc").SetText(p.NrInsc)
}

// QueryBody builds the consultaLoteEventos document for protocol.
func QueryBody(protocol string) ([]byte, error) {
	protocol = strings.TrimSpace(protocol)
	if protocol == "" {
		return nil, ErrInvalidProtocol
	}

	doc := etree.NewDocument()
	root := doc.CreateElement("eSocial")
	root.CreateAttr("xmlns", BatchNamespace)
	root.CreateElement("consultaLoteEventos").CreateElement("protocoloEnvio").SetText(protocol)

	return xmlsig.Serialize(doc)
}
