// Package attester is a reference KPI attester. It computes the cumulative
// KPI from plaintext evidence documents and signs it into the 144-byte
// attestation accepted by earnout.TEEAttestationVerifier.
//
// Production deployments run the computation inside an enclave; this package
// exists for tests, local development and operator tooling.
package attester

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tendant/simple-earnout/pkg/earnout"
)

// Classification of an evidence document by its JSON shape.
type Classification string

const (
	JournalEntry        Classification = "JournalEntry"
	FixedAssetsRegister Classification = "FixedAssetsRegister"
	PayrollExpense      Classification = "PayrollExpense"
	OverheadReport      Classification = "OverheadReport"
	Unknown             Classification = "Unknown"
)

// Scale converts the KPI into the integer submitted to the ledger.
const Scale = 1000

var (
	overheadShare = decimal.RequireFromString("0.1")
	monthsPerYear = decimal.NewFromInt(12)
	maxUint64     = decimal.RequireFromString("18446744073709551615")
)

// Document is one decoded evidence document.
type Document map[string]any

// Contribution is the effect one document had on the KPI.
type Contribution struct {
	Classification Classification  `json:"classification"`
	Change         decimal.Decimal `json:"change"`
}

// Result is the outcome of a KPI computation.
type Result struct {
	KPI             decimal.Decimal `json:"kpi"`
	Value           uint64          `json:"value"`
	Contributions   []Contribution  `json:"contributions"`
	ComputationHash [32]byte        `json:"-"`
}

// Classify identifies the document type. The first matching rule wins.
func Classify(doc Document) Classification {
	if _, ok := doc["journalEntryId"]; ok {
		return JournalEntry
	}
	if assets, ok := doc["assetList"].([]any); ok && len(assets) > 0 {
		if first, ok := assets[0].(map[string]any); ok {
			if _, ok := first["assetID"]; ok {
				return FixedAssetsRegister
			}
		}
	}
	if _, ok := doc["employeeDetails"]; ok {
		return PayrollExpense
	}
	if title, _ := doc["reportTitle"].(string); title == "Corporate Overhead Report" {
		return OverheadReport
	}
	return Unknown
}

// Contribute returns the KPI change for a single document.
func Contribute(doc Document) Contribution {
	class := Classify(doc)
	var change decimal.Decimal
	switch class {
	case JournalEntry:
		change = salesRevenue(doc)
	case FixedAssetsRegister:
		change = monthlyDepreciation(doc).Neg()
	case PayrollExpense:
		change = number(doc["grossPay"], decimal.Zero).Neg()
	case OverheadReport:
		change = number(doc["totalOverheadCost"], decimal.Zero).Mul(overheadShare).Neg()
	default:
		change = decimal.Zero
	}
	return Contribution{Classification: class, Change: change}
}

// salesRevenue is the amount of the first "Sales Revenue" credit.
func salesRevenue(doc Document) decimal.Decimal {
	credits, _ := doc["credits"].([]any)
	for _, c := range credits {
		credit, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if account, _ := credit["account"].(string); account == "Sales Revenue" {
			return number(credit["amount"], decimal.Zero)
		}
	}
	return decimal.Zero
}

// monthlyDepreciation sums straight-line monthly depreciation over the register.
func monthlyDepreciation(doc Document) decimal.Decimal {
	total := decimal.Zero
	assets, _ := doc["assetList"].([]any)
	for _, a := range assets {
		asset, ok := a.(map[string]any)
		if !ok {
			continue
		}
		cost := number(asset["originalCost"], decimal.Zero)
		residual := number(asset["residualValue"], decimal.Zero)
		life := number(asset["usefulLife_years"], decimal.NewFromInt(1))
		// A zero useful life has no straight-line rate; the asset is left
		// out of the sum instead of saturating the whole register.
		if life.IsZero() {
			continue
		}
		total = total.Add(cost.Sub(residual).Div(life.Mul(monthsPerYear)))
	}
	return total
}

func number(v any, fallback decimal.Decimal) decimal.Decimal {
	switch n := v.(type) {
	case json.Number:
		if d, err := decimal.NewFromString(n.String()); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(n)
	}
	return fallback
}

// Calculate parses a JSON array of documents and sums their contributions.
// The computation hash covers the exact input bytes.
func Calculate(documentsJSON []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(documentsJSON))
	dec.UseNumber()
	var docs []Document
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}

	result := &Result{
		KPI:             decimal.Zero,
		Contributions:   make([]Contribution, 0, len(docs)),
		ComputationHash: sha256.Sum256(documentsJSON),
	}
	for _, doc := range docs {
		c := Contribute(doc)
		result.KPI = result.KPI.Add(c.Change)
		result.Contributions = append(result.Contributions, c)
	}
	result.Value = ScaledValue(result.KPI)
	return result, nil
}

// ScaledValue multiplies by Scale and rounds half away from zero. Negative
// results clamp to zero and overflow clamps to the largest uint64.
func ScaledValue(kpi decimal.Decimal) uint64 {
	scaled := kpi.Mul(decimal.NewFromInt(Scale)).Round(0)
	if scaled.IsNegative() {
		return 0
	}
	if scaled.GreaterThan(maxUint64) {
		return math.MaxUint64
	}
	return scaled.BigInt().Uint64()
}

// Attester signs KPI results with an Ed25519 key.
type Attester struct {
	key ed25519.PrivateKey
	now func() time.Time
}

// Option configures an Attester.
type Option func(*Attester)

// WithClock overrides the attestation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Attester) {
		a.now = now
	}
}

// New returns an attester signing with key.
func New(key ed25519.PrivateKey, options ...Option) (*Attester, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("attester key must be an ed25519 private key")
	}
	a := &Attester{key: key, now: time.Now}
	for _, option := range options {
		option(a)
	}
	return a, nil
}

// PublicKey returns the key verifiers must trust.
func (a *Attester) PublicKey() ed25519.PublicKey {
	return a.key.Public().(ed25519.PublicKey)
}

// Attest computes the KPI over documentsJSON and signs it for dealID.
func (a *Attester) Attest(dealID uuid.UUID, kind string, documentsJSON []byte) (*Result, *earnout.TEEAttestation, error) {
	result, err := Calculate(documentsJSON)
	if err != nil {
		return nil, nil, err
	}

	ts := uint64(a.now().UnixMilli())
	claim := earnout.KPIClaim{DealID: dealID, Kind: kind, Value: result.Value}
	att := &earnout.TEEAttestation{
		Value:           result.Value,
		ComputationHash: result.ComputationHash,
		TimestampMs:     ts,
		PublicKey:       a.PublicKey(),
		Signature:       ed25519.Sign(a.key, earnout.KPIMessage(claim, result.ComputationHash, ts)),
	}
	return result, att, nil
}
