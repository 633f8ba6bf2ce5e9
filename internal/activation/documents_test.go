package activation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildtrack/buildtrack/internal/notify"
	"github.com/buildtrack/buildtrack/internal/platform/httpx"
)

func taxCertificate() DocumentInput {
	return DocumentInput{
		Type:             DocTaxCertificate,
		StorageKey:       "activation/2025/03/tax.pdf",
		OriginalFilename: "Tax Certificate.PDF",
		Size:             3 * 1024 * 1024 / 2,
	}
}

func TestAttachDocumentToOpenRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, companyRegistration("docs@example.com"))

	doc, err := f.svc.AttachDocument(ctx, req.ID, taxCertificate())
	require.NoError(t, err)
	assert.Equal(t, DocumentPending, doc.Status)
	assert.Equal(t, "application/pdf", doc.ContentType)
	assert.True(t, doc.IsPDF())
	assert.False(t, doc.IsImage())
	assert.Equal(t, 1.5, doc.SizeMB())
	assert.Equal(t, req.ID, doc.RequestID)

	docs, err := f.svc.ListDocuments(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)
	assert.Equal(t, StatusPending, f.stored(t, req).Status)
}

func TestAttachDocumentValidation(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, companyRegistration("docs@example.com"))
	in := taxCertificate()
	in.Type = "selfie"

	_, err := f.svc.AttachDocument(context.Background(), req.ID, in)
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.AttachDocument(context.Background(), uuid.New(), taxCertificate())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAttachDocumentToClosedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, companyRegistration("closed@example.com"))
	_, err := f.svc.Reject(ctx, req.ID, reviewerID, "duplicate company")
	require.NoError(t, err)

	_, err = f.svc.AttachDocument(ctx, req.ID, taxCertificate())
	require.ErrorIs(t, err, ErrRequestClosed)
	assert.Equal(t, 409, httpx.StatusFor(err))
	assert.Empty(t, f.repo.documents)
}

func TestAttachDocumentToLapsedRequest(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, companyRegistration("late@example.com"))
	f.clock = req.ExpiresAt.Add(time.Second)

	_, err := f.svc.AttachDocument(context.Background(), req.ID, taxCertificate())
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, StatusExpired, f.stored(t, req).Status)
	assert.Empty(t, f.repo.documents)
}

func TestDocumentVerdictsDoNotMoveTheRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, companyRegistration("docs@example.com"))
	_, err := f.svc.RequireDocuments(ctx, req.ID, reviewerID, "upload tax certificate")
	require.NoError(t, err)
	doc, err := f.svc.AttachDocument(ctx, req.ID, taxCertificate())
	require.NoError(t, err)

	approved, err := f.svc.ApproveDocument(ctx, doc.ID, DocumentReview{ReviewerID: reviewerID, Notes: " looks fine "})
	require.NoError(t, err)
	assert.Equal(t, DocumentApproved, approved.Status)
	assert.Equal(t, "looks fine", approved.ReviewNotes)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, reviewerID, *approved.ReviewedBy)

	assert.Equal(t, StatusDocumentsRequired, f.stored(t, req).Status)

	rejected, err := f.svc.RejectDocument(ctx, doc.ID, DocumentReview{ReviewerID: reviewerID, Notes: "expired certificate"})
	require.NoError(t, err)
	assert.Equal(t, DocumentRejected, rejected.Status)
	assert.Equal(t, "expired certificate", rejected.ReviewNotes)

	again, err := f.svc.ApproveDocument(ctx, doc.ID, DocumentReview{ReviewerID: reviewerID})
	require.NoError(t, err)
	assert.Equal(t, DocumentApproved, again.Status)
	assert.Empty(t, again.ReviewNotes)

	assert.Equal(t, StatusDocumentsRequired, f.stored(t, req).Status)
	assert.Contains(t, f.audit.actions(), "activation.document.rejected")
}

func TestDocumentReviewRequiresReviewer(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, companyRegistration("docs@example.com"))
	doc, err := f.svc.AttachDocument(context.Background(), req.ID, taxCertificate())
	require.NoError(t, err)

	_, err = f.svc.ApproveDocument(context.Background(), doc.ID, DocumentReview{})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.ApproveDocument(context.Background(), uuid.New(), DocumentReview{ReviewerID: reviewerID})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRequireDocumentRevisionNotifiesRequester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, companyRegistration("docs@example.com"))
	doc, err := f.svc.AttachDocument(ctx, req.ID, taxCertificate())
	require.NoError(t, err)

	revised, err := f.svc.RequireDocumentRevision(ctx, doc.ID, DocumentReview{ReviewerID: reviewerID, Notes: "page 2 is missing"})
	require.NoError(t, err)
	assert.Equal(t, DocumentRequiresRevision, revised.Status)

	note, ok := f.notes.find(notify.KindDocumentRevisionRequired)
	require.True(t, ok)
	assert.Equal(t, "docs@example.com", note.To)
	assert.Equal(t, "Tax Certificate.PDF", note.Data["document"])
	assert.Equal(t, "page 2 is missing", note.Data["notes"])
	assert.NotEmpty(t, note.Key)
}

func TestListDocumentsOfUnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ListDocuments(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)

	req := f.submit(t, companyRegistration("empty@example.com"))
	docs, err := f.svc.ListDocuments(context.Background(), req.ID)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestDocumentFileHelpers(t *testing.T) {
	cases := []struct {
		name  string
		image bool
		pdf   bool
	}{
		{name: "site.JPG", image: true},
		{name: "plan.png", image: true},
		{name: "drawing.svg", image: true},
		{name: "contract.pdf", pdf: true},
		{name: "notes.docx"},
		{name: "README"},
	}
	for _, tc := range cases {
		d := Document{OriginalFilename: tc.name}
		assert.Equal(t, tc.image, d.IsImage(), tc.name)
		assert.Equal(t, tc.pdf, d.IsPDF(), tc.name)
	}

	assert.True(t, Document{StorageKey: "uploads/abc.jpeg"}.IsImage())
	assert.Equal(t, 0.0, Document{}.SizeMB())
	assert.Equal(t, 2.0, Document{Size: 2 * 1024 * 1024}.SizeMB())
	assert.Equal(t, 0.01, Document{Size: 10 * 1024}.SizeMB())
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentTypeFor("scan.PDF"))
	assert.Equal(t, "image/png", ContentTypeFor("logo.png"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("blob"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("archive.zzq"))
}
