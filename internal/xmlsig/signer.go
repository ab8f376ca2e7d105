package xmlsig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/hemobras/esocial/internal/keystore"
	"github.com/hemobras/esocial/internal/telemetry"
	"github.com/rs/zerolog/log"
	dsig "github.com/russellhaering/goxmldsig"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultIDAttribute is the attribute that marks the element to sign.
const DefaultIDAttribute = "Id"

// ExistingSignaturePolicy decides what happens when the located element is already signed.
type ExistingSignaturePolicy int

const (
	// RejectSigned fails with ErrAlreadySigned.
	RejectSigned ExistingSignaturePolicy = iota
	// SkipSigned moves on to the next candidate that has no signature child.
	SkipSigned
)

func (p ExistingSignaturePolicy) String() string {
	switch p {
	case SkipSigned:
		return "skip"
	default:
		return "reject"
	}
}

// ParsePolicy converts "reject" or "skip" into a policy.
func ParsePolicy(s string) (ExistingSignaturePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return RejectSigned, nil
	case "skip":
		return SkipSigned, nil
	default:
		return RejectSigned, fmt.Errorf("unknown existing signature policy %q (want reject or skip)", s)
	}
}

// KeySource supplies the current key material.
type KeySource interface {
	Current() (*keystore.KeyMaterial, error)
}

// Config controls how documents are signed.
type Config struct {
	IDAttribute       string
	ExistingSignature ExistingSignaturePolicy
}

// DefaultConfig returns the configuration used for eSocial events.
func DefaultConfig() Config {
	return Config{
		IDAttribute:       DefaultIDAttribute,
		ExistingSignature: RejectSigned,
	}
}

// Result describes a signed document.
type Result struct {
	Document    []byte
	ElementID   string
	Tag         string
	Fingerprint string
}

// Signer produces enveloped RSA-SHA256 signatures over inclusive C14N 1.0.
// It holds no mutable state and is safe for concurrent use.
type Signer struct {
	keys KeySource
	cfg  Config
}

func NewSigner(keys KeySource, cfg Config) *Signer {
	if cfg.IDAttribute == "" {
		cfg.IDAttribute = DefaultIDAttribute
	}
	return &Signer{keys: keys, cfg: cfg}
}

// Sign signs the first element carrying the identifier attribute and returns the serialized document.
func (s *Signer) Sign(ctx context.Context, document []byte) ([]byte, error) {
	res, err := s.SignDocument(ctx, document)
	if err != nil {
		return nil, err
	}
	return res.Document, nil
}

// SignDocument is Sign with details about the signed element.
func (s *Signer) SignDocument(ctx context.Context, document []byte) (*Result, error) {
	started := time.Now()
	metrics := telemetry.GetMetrics()

	res, err := s.sign(ctx, document)

	stage := ""
	if err != nil {
		stage = string(stageOf(err))
		metrics.SignErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
	metrics.SignTotal.Add(ctx, 1)
	metrics.SignDuration.Record(ctx, float64(time.Since(started).Milliseconds()))

	if err != nil {
		log.Debug().Err(err).Str("stage", stage).Msg("document signing failed")
		return nil, err
	}

	log.Debug().
		Str("element_id", res.ElementID).
		Str("tag", res.Tag).
		Str("fingerprint", res.Fingerprint).
		Dur("duration", time.Since(started)).
		Msg("document signed")

	return res, nil
}

func (s *Signer) sign(ctx context.Context, document []byte) (*Result, error) {
	doc, err := Parse(document)
	if err != nil {
		return nil, err
	}

	target, err := s.locate(doc.Root())
	if err != nil {
		return nil, err
	}
	id, _ := identifier(target, s.cfg.IDAttribute)

	if err := ctx.Err(); err != nil {
		return nil, stageError(StageSign, ErrSignatureComputation, err)
	}

	material, err := s.keys.Current()
	if err != nil {
		return nil, stageError(StageKey, ErrKeyLoad, err)
	}

	sig, err := s.constructSignature(target, material)
	if err != nil {
		return nil, stageError(StageSign, ErrSignatureComputation, err)
	}
	target.AddChild(sig)

	out, err := Serialize(doc)
	if err != nil {
		return nil, stageError(StageSign, ErrSignatureComputation, err)
	}

	return &Result{
		Document:    out,
		ElementID:   id,
		Tag:         target.FullTag(),
		Fingerprint: material.Fingerprint,
	}, nil
}

// locate applies the existing signature policy to the candidates in document order.
func (s *Signer) locate(root *etree.Element) (*etree.Element, error) {
	found := candidates(root, s.cfg.IDAttribute)
	if len(found) == 0 {
		return nil, stageError(StageLocate, ErrNoSignableElement,
			fmt.Errorf("no element has a non-blank %s attribute", s.cfg.IDAttribute))
	}

	switch s.cfg.ExistingSignature {
	case SkipSigned:
		for _, el := range found {
			if directSignature(el) == nil && !insideSignature(el) {
				return el, nil
			}
		}
		return nil, stageError(StageLocate, ErrAlreadySigned,
			fmt.Errorf("all %d candidate elements are signed", len(found)))
	default:
		el := found[0]
		if containsSignature(el) {
			id, _ := identifier(el, s.cfg.IDAttribute)
			return nil, stageError(StageLocate, ErrAlreadySigned, fmt.Errorf("element %s already has a signature", id))
		}
		return el, nil
	}
}

func insideSignature(el *etree.Element) bool {
	for p := el.Parent(); p != nil; p = p.Parent() {
		if isSignature(p) {
			return true
		}
	}
	return false
}

// constructSignature builds the Signature element for target without modifying the document.
func (s *Signer) constructSignature(target *etree.Element, material *keystore.KeyMaterial) (*etree.Element, error) {
	detached, err := detach(target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve namespace context: %w", err)
	}

	signingCtx, err := dsig.NewSigningContext(material.Signer(), [][]byte{material.Certificate.Raw})
	if err != nil {
		return nil, err
	}
	signingCtx.Prefix = ""
	signingCtx.IdAttribute = s.cfg.IDAttribute
	signingCtx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	if err := signingCtx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, err
	}

	return signingCtx.ConstructSignature(detached, true)
}

func stageOf(err error) Stage {
	var se *SignError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageSign
}
