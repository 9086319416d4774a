package evidence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/originhq/origin/pkg/canonical"
	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/features"
	"github.com/originhq/origin/pkg/inference"
	"github.com/originhq/origin/pkg/policy"
	"github.com/originhq/origin/pkg/store"
)

// Version stamps every evidence document so consumers can detect layout
// changes.
const Version = "1.0"

// Supported artifact formats.
const (
	FormatJSON = "json"
	FormatPDF  = "pdf"
	FormatHTML = "html"
)

// DefaultFormat is used when a request names no formats.
const DefaultFormat = FormatJSON

// ErrInvalidFormat reports an unsupported artifact format.
var ErrInvalidFormat = errors.New("evidence: invalid format")

var contentTypes = map[string]string{
	FormatJSON: "application/json",
	FormatPDF:  "application/pdf",
	FormatHTML: "text/html",
}

// ContentType returns the MIME type for a format, or "" if unknown.
func ContentType(format string) string {
	return contentTypes[format]
}

// NormalizeFormats parses a CSV format list into a sorted, de-duplicated
// slice. Unknown formats return ErrInvalidFormat.
func NormalizeFormats(csv string) ([]string, error) {
	seen := make(map[string]bool, 3)
	var out []string
	for _, part := range strings.Split(csv, ",") {
		format := strings.ToLower(strings.TrimSpace(part))
		if format == "" {
			continue
		}
		if _, ok := contentTypes[format]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
		}
		if !seen[format] {
			seen[format] = true
			out = append(out, format)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty format list", ErrInvalidFormat)
	}
	sort.Strings(out)
	return out, nil
}

// FormatsCSV is the canonical stored representation of a normalized
// format list. It doubles as the uniqueness component of the pack row.
func FormatsCSV(formats []string) string {
	return strings.Join(formats, ",")
}

// Document is the full decision record an evidence pack serializes. It
// is rebuilt from persisted rows, never from live pipeline state.
type Document struct {
	Certificate   *certificate.Certificate
	Upload        *store.Upload
	Features      *features.Features
	Signals       *inference.Signals
	Decision      string
	Reasons       []string
	ChainPosition int64
}

// NewDocument assembles a document from the stored certificate, upload,
// and the upload's position in the tenant ledger. The upload's
// decision_inputs JSON supplies the features, signals, and outcome that
// were hashed at decision time.
func NewDocument(cert *certificate.Certificate, up *store.Upload, chainPosition int64) (*Document, error) {
	var inputs struct {
		Features *features.Features `json:"features"`
		Signals  *inference.Signals `json:"signals"`
		Outcome  *policy.Outcome    `json:"outcome"`
	}
	if len(up.DecisionInputs) > 0 {
		if err := json.Unmarshal(up.DecisionInputs, &inputs); err != nil {
			return nil, fmt.Errorf("evidence: failed to parse decision inputs: %w", err)
		}
	}
	if inputs.Features == nil {
		inputs.Features = &features.Features{}
	}
	if inputs.Signals == nil {
		inputs.Signals = &inference.Signals{}
	}
	reasons := []string{}
	if inputs.Outcome != nil {
		reasons = append(reasons, inputs.Outcome.ReasonCodes...)
	}
	return &Document{
		Certificate:   cert,
		Upload:        up,
		Features:      inputs.Features,
		Signals:       inputs.Signals,
		Decision:      up.Decision,
		Reasons:       reasons,
		ChainPosition: chainPosition,
	}, nil
}

// Render produces the artifact bytes for one format.
func (d *Document) Render(format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		return d.JSON()
	case FormatPDF:
		return d.PDF()
	case FormatHTML:
		return d.HTML()
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
}

// JSON renders the canonical-JSON evidence document.
func (d *Document) JSON() ([]byte, error) {
	cert := d.Certificate
	doc := map[string]any{
		"evidence_version": Version,
		"certificate": map[string]any{
			"certificate_id":    cert.ID,
			"tenant_id":         cert.TenantID,
			"policy_profile_id": cert.PolicyProfileID,
			"policy_version":    cert.PolicyVersion,
			"inputs_hash":       cert.InputsHash,
			"outputs_hash":      cert.OutputsHash,
			"ledger_hash":       cert.LedgerHash,
			"key_id":            cert.KeyID,
			"alg":               cert.Alg,
			"signature":         cert.Signature,
			"issued_at":         cert.IssuedAt.UTC().Format(time.RFC3339Nano),
		},
		"upload": map[string]any{
			"ingestion_id": d.Upload.ID,
			"external_id":  d.Upload.ExternalID,
			"pvid":         d.Upload.PVID,
			"received_at":  d.Upload.ReceivedAt.UTC().Format(time.RFC3339Nano),
			"metadata":     d.Upload.Metadata,
		},
		"features":       d.Features,
		"signals":        d.Signals,
		"decision":       d.Decision,
		"reasons":        d.Reasons,
		"chain_position": d.ChainPosition,
	}
	data, err := canonical.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("evidence: failed to render json artifact: %w", err)
	}
	return data, nil
}

// docView flattens the document into display strings shared by the PDF
// and HTML renderers.
type docView struct {
	CertificateID       string
	IssuedAt            string
	Decision            string
	PolicyProfileID     string
	PolicyVersion       string
	IngestionID         string
	ExternalID          string
	PVID                string
	ReceivedAt          string
	RiskScore           string
	AssuranceScore      string
	AnomalyScore        string
	SyntheticLikelihood string
	Reasons             string
	ChainPosition       int64
	LedgerHash          string
	InputsHash          string
	OutputsHash         string
	KeyID               string
	Signature           string
	SignatureShort      string
}

func (d *Document) view() docView {
	reasons := "none"
	if len(d.Reasons) > 0 {
		reasons = strings.Join(d.Reasons, ", ")
	}
	sigShort := d.Certificate.Signature
	if len(sigShort) > 50 {
		sigShort = sigShort[:50] + "..."
	}
	return docView{
		CertificateID:       d.Certificate.ID,
		IssuedAt:            d.Certificate.IssuedAt.UTC().Format(time.RFC3339),
		Decision:            d.Decision,
		PolicyProfileID:     d.Certificate.PolicyProfileID,
		PolicyVersion:       d.Certificate.PolicyVersion,
		IngestionID:         d.Upload.ID,
		ExternalID:          d.Upload.ExternalID,
		PVID:                d.Upload.PVID,
		ReceivedAt:          d.Upload.ReceivedAt.UTC().Format(time.RFC3339),
		RiskScore:           displayScore(d.Signals.Risk),
		AssuranceScore:      displayScore(d.Signals.Assurance),
		AnomalyScore:        displayScore(d.Signals.Anomaly),
		SyntheticLikelihood: displayScore(d.Signals.SyntheticLikelihood),
		Reasons:             reasons,
		ChainPosition:       d.ChainPosition,
		LedgerHash:          d.Certificate.LedgerHash,
		InputsHash:          d.Certificate.InputsHash,
		OutputsHash:         d.Certificate.OutputsHash,
		KeyID:               d.Certificate.KeyID,
		Signature:           d.Certificate.Signature,
		SignatureShort:      sigShort,
	}
}

// displayScore renders a [0,1] signal on the 0-100 scale the API uses.
func displayScore(v float64) string {
	return strconv.FormatFloat(math.Round(v*10000)/100, 'f', 2, 64)
}

var htmlTemplate = template.Must(template.New("evidence").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>ORIGIN Decision Certificate - {{.CertificateID}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        h1 { color: #333; }
        h2 { color: #666; margin-top: 30px; }
        .info { background: #f5f5f5; padding: 15px; border-radius: 5px; margin: 10px 0; }
        .hash { font-family: monospace; font-size: 0.9em; word-break: break-all; }
    </style>
</head>
<body>
    <h1>ORIGIN Decision Certificate</h1>
    <div class="info">
        <p><strong>Certificate ID:</strong> {{.CertificateID}}</p>
        <p><strong>Issued At:</strong> {{.IssuedAt}}</p>
        <p><strong>Decision:</strong> {{.Decision}}</p>
        <p><strong>Policy Profile:</strong> {{.PolicyProfileID}}</p>
        <p><strong>Policy Version:</strong> {{.PolicyVersion}}</p>
    </div>

    <h2>Upload Information</h2>
    <div class="info">
        <p><strong>Ingestion ID:</strong> {{.IngestionID}}</p>
        <p><strong>External ID:</strong> {{.ExternalID}}</p>
        <p><strong>PVID:</strong> {{.PVID}}</p>
        <p><strong>Received At:</strong> {{.ReceivedAt}}</p>
    </div>

    <h2>Risk Signals</h2>
    <div class="info">
        <p><strong>Risk Score:</strong> {{.RiskScore}}</p>
        <p><strong>Assurance Score:</strong> {{.AssuranceScore}}</p>
        <p><strong>Anomaly Score:</strong> {{.AnomalyScore}}</p>
        <p><strong>Synthetic Likelihood:</strong> {{.SyntheticLikelihood}}</p>
        <p><strong>Reasons:</strong> {{.Reasons}}</p>
    </div>

    <h2>Governance Integrity</h2>
    <div class="info">
        <p><strong>Chain Position:</strong> {{.ChainPosition}}</p>
        <p><strong>Ledger Hash:</strong> <span class="hash">{{.LedgerHash}}</span></p>
        <p><strong>Inputs Hash:</strong> <span class="hash">{{.InputsHash}}</span></p>
        <p><strong>Outputs Hash:</strong> <span class="hash">{{.OutputsHash}}</span></p>
        <p><strong>Signing Key:</strong> {{.KeyID}}</p>
        <p><strong>Signature:</strong> <span class="hash">{{.Signature}}</span></p>
    </div>
</body>
</html>
`))

// HTML renders a standalone, self-contained page.
func (d *Document) HTML() ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, d.view()); err != nil {
		return nil, fmt.Errorf("evidence: failed to render html artifact: %w", err)
	}
	return buf.Bytes(), nil
}

type pdfLine struct {
	text string
	size int
}

// PDF renders a single-page PDF 1.4 document. The writer emits the five
// objects a minimal viewer needs: catalog, page tree, page, font, and
// one content stream, followed by a correct xref table.
func (d *Document) PDF() ([]byte, error) {
	v := d.view()
	lines := []pdfLine{
		{"ORIGIN Decision Certificate", 16},
		{"", 0},
		{"Certificate ID: " + v.CertificateID, 9},
		{"Issued At: " + v.IssuedAt, 9},
		{"Decision: " + v.Decision, 9},
		{"Policy Profile: " + v.PolicyProfileID, 9},
		{"Policy Version: " + v.PolicyVersion, 9},
		{"", 0},
		{"Upload Information", 12},
		{"Ingestion ID: " + v.IngestionID, 9},
		{"External ID: " + v.ExternalID, 9},
		{"PVID: " + v.PVID, 9},
		{"Received At: " + v.ReceivedAt, 9},
		{"", 0},
		{"Risk Signals", 12},
		{"Risk Score: " + v.RiskScore, 9},
		{"Assurance Score: " + v.AssuranceScore, 9},
		{"Anomaly Score: " + v.AnomalyScore, 9},
		{"Synthetic Likelihood: " + v.SyntheticLikelihood, 9},
		{"Reasons: " + v.Reasons, 9},
		{"", 0},
		{"Governance Integrity", 12},
		{"Chain Position: " + strconv.FormatInt(v.ChainPosition, 10), 9},
		{"Ledger Hash: " + v.LedgerHash, 9},
		{"Inputs Hash: " + v.InputsHash, 9},
		{"Outputs Hash: " + v.OutputsHash, 9},
		{"Signing Key: " + v.KeyID, 9},
		{"Signature: " + v.SignatureShort, 9},
	}

	var content bytes.Buffer
	y := 756
	for _, ln := range lines {
		if ln.text == "" {
			y -= 10
			continue
		}
		y -= ln.size + 6
		fmt.Fprintf(&content, "BT /F1 %d Tf 72 %d Td (%s) Tj ET\n", ln.size, y, pdfEscape(ln.text))
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	var offsets []int
	addObject := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	addObject("<< /Type /Catalog /Pages 2 0 R >>")
	addObject("<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	addObject("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>")
	addObject("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	addObject(fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()))

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes(), nil
}

// pdfEscape sanitizes text for a PDF literal string. Non-ASCII runes are
// replaced; the built-in Helvetica encoding cannot represent them.
func pdfEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '(' || r == ')' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r < 32 || r > 126:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
