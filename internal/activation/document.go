package activation

import (
	"log/slog"
	"math"
	"mime"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DocumentType classifies a supporting document.
type DocumentType string

const (
	DocBusinessRegistration DocumentType = "business_registration"
	DocTaxCertificate       DocumentType = "tax_certificate"
	DocCACCertificate       DocumentType = "cac_certificate"
	DocDirectorID           DocumentType = "director_id"
	DocUtilityBill          DocumentType = "utility_bill"
	DocBankStatement        DocumentType = "bank_statement"
	DocIndividualID         DocumentType = "individual_id"
	DocPassport             DocumentType = "passport"
	DocLicense              DocumentType = "license"
	DocOther                DocumentType = "other"
)

// DocumentStatus is the review state of one document.
type DocumentStatus string

const (
	DocumentPending          DocumentStatus = "pending"
	DocumentApproved         DocumentStatus = "approved"
	DocumentRejected         DocumentStatus = "rejected"
	DocumentRequiresRevision DocumentStatus = "requires_revision"
)

// Document is file metadata attached to a request. The bytes live in
// storage under StorageKey.
type Document struct {
	ID               uuid.UUID      `json:"id"`
	RequestID        uuid.UUID      `json:"request_id"`
	Type             DocumentType   `json:"document_type"`
	StorageKey       string         `json:"storage_key"`
	OriginalFilename string         `json:"original_filename"`
	Size             int64          `json:"file_size"`
	ContentType      string         `json:"content_type"`
	Description      string         `json:"description,omitempty"`
	Status           DocumentStatus `json:"status"`
	ReviewedBy       *int64         `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time     `json:"reviewed_at,omitempty"`
	ReviewNotes      string         `json:"review_notes,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".svg"}

func (d Document) ext() string {
	name := d.OriginalFilename
	if name == "" {
		name = d.StorageKey
	}
	return strings.ToLower(filepath.Ext(name))
}

// IsImage reports whether the file extension names an image format.
func (d Document) IsImage() bool {
	return slices.Contains(imageExtensions, d.ext())
}

// IsPDF reports whether the file is a PDF.
func (d Document) IsPDF() bool {
	return d.ext() == ".pdf"
}

// SizeMB is the size in mebibytes rounded to two decimals.
func (d Document) SizeMB() float64 {
	return math.Round(float64(d.Size)/(1024*1024)*100) / 100
}

// DocumentInput describes a document to attach.
type DocumentInput struct {
	Type             DocumentType `json:"document_type" validate:"required,oneof=business_registration tax_certificate cac_certificate director_id utility_bill bank_statement individual_id passport license other"`
	StorageKey       string       `json:"storage_key" validate:"required,max=500"`
	OriginalFilename string       `json:"original_filename" validate:"required,max=255"`
	Size             int64        `json:"file_size" validate:"gte=0"`
	Description      string       `json:"description"`
}

// DocumentReview is a reviewer's verdict on one document.
type DocumentReview struct {
	ReviewerID int64  `json:"-"`
	Notes      string `json:"notes"`
}

const defaultContentType = "application/octet-stream"

func init() {
	ensureMimeType(".bmp", "image/bmp")
	ensureMimeType(".doc", "application/msword")
	ensureMimeType(".docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	ensureMimeType(".heic", "image/heic")
}

func ensureMimeType(ext, typ string) {
	if mime.TypeByExtension(ext) != "" {
		return
	}
	if err := mime.AddExtensionType(ext, typ); err != nil {
		slog.Default().Warn("register mime type", slog.String("ext", ext), slog.Any("error", err))
	}
}

// ContentTypeFor infers a content type from the filename extension.
func ContentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return defaultContentType
	}
	if typ := mime.TypeByExtension(ext); typ != "" {
		return typ
	}
	return defaultContentType
}
