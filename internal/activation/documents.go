package activation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/buildtrack/buildtrack/internal/notify"
	"github.com/buildtrack/buildtrack/internal/platform/httpx"
)

// ErrRequestClosed is returned when documents are attached to a closed request.
var ErrRequestClosed = fmt.Errorf("activation: request closed: %w", httpx.ErrConflict)

// AttachDocument records a document against an open request.
func (s *Service) AttachDocument(ctx context.Context, requestID uuid.UUID, in DocumentInput) (Document, error) {
	in.StorageKey = strings.TrimSpace(in.StorageKey)
	in.OriginalFilename = strings.TrimSpace(in.OriginalFilename)
	in.Description = strings.TrimSpace(in.Description)
	if err := s.validate.Struct(in); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var (
		doc     Document
		lapsed  Request
		expired bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if req.Status.Terminal() {
			return fmt.Errorf("%w: status %s", ErrRequestClosed, req.Status)
		}
		if req.Expired(now) {
			lapsed, err = expire(ctx, tx, req, 0, now)
			expired = err == nil
			return err
		}
		doc, err = tx.CreateDocument(ctx, Document{
			ID:               uuid.New(),
			RequestID:        req.ID,
			Type:             in.Type,
			StorageKey:       in.StorageKey,
			OriginalFilename: in.OriginalFilename,
			Size:             in.Size,
			ContentType:      ContentTypeFor(in.OriginalFilename),
			Description:      in.Description,
			Status:           DocumentPending,
			CreatedAt:        now,
		})
		return err
	})
	if err != nil {
		return Document{}, err
	}
	if expired {
		s.afterExpire(ctx, lapsed, 0)
		return Document{}, ErrExpired
	}
	s.logger.InfoContext(ctx, "activation document attached",
		slog.String("request_id", requestID.String()),
		slog.String("document_id", doc.ID.String()),
		slog.String("document_type", string(doc.Type)))
	return doc, nil
}

// ListDocuments returns the documents of a request, newest first.
func (s *Service) ListDocuments(ctx context.Context, requestID uuid.UUID) ([]Document, error) {
	if _, err := s.repo.Get(ctx, requestID); err != nil {
		return nil, err
	}
	docs, err := s.repo.ListDocuments(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

// GetDocument returns one document.
func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	return s.repo.GetDocument(ctx, id)
}

// ApproveDocument marks a document approved. The parent request is untouched.
func (s *Service) ApproveDocument(ctx context.Context, id uuid.UUID, review DocumentReview) (Document, error) {
	return s.reviewDocument(ctx, id, DocumentApproved, review)
}

// RejectDocument marks a document rejected.
func (s *Service) RejectDocument(ctx context.Context, id uuid.UUID, review DocumentReview) (Document, error) {
	return s.reviewDocument(ctx, id, DocumentRejected, review)
}

// RequireDocumentRevision asks the requester to upload the document again.
func (s *Service) RequireDocumentRevision(ctx context.Context, id uuid.UUID, review DocumentReview) (Document, error) {
	doc, err := s.reviewDocument(ctx, id, DocumentRequiresRevision, review)
	if err != nil {
		return Document{}, err
	}
	req, err := s.repo.Get(ctx, doc.RequestID)
	if err != nil {
		s.logger.WarnContext(ctx, "load request for revision notice", slog.String("document_id", id.String()), slog.Any("error", err))
		return doc, nil
	}
	n := s.requesterNotification(req, notify.KindDocumentRevisionRequired, map[string]string{
		"document": doc.OriginalFilename,
		"notes":    doc.ReviewNotes,
	})
	n.Key = fmt.Sprintf("activation-document:%s:%d", doc.ID, doc.UpdatedAt.UnixNano())
	s.notify(ctx, n)
	return doc, nil
}

// reviewDocument overwrites the review fields. Every verdict is legal from every state.
func (s *Service) reviewDocument(ctx context.Context, id uuid.UUID, status DocumentStatus, review DocumentReview) (Document, error) {
	if review.ReviewerID <= 0 {
		return Document{}, fmt.Errorf("%w: reviewer required", ErrValidation)
	}
	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.LockDocument(ctx, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		doc.Status = status
		doc.ReviewedBy = &review.ReviewerID
		doc.ReviewedAt = &now
		doc.ReviewNotes = strings.TrimSpace(review.Notes)
		doc.UpdatedAt = now
		return tx.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return Document{}, err
	}
	s.logger.InfoContext(ctx, "activation document reviewed",
		slog.String("document_id", doc.ID.String()),
		slog.String("status", string(status)),
		slog.Int64("reviewer_id", review.ReviewerID))
	s.record(ctx, review.ReviewerID, "activation.document."+string(status), Request{ID: doc.RequestID},
		map[string]any{"document_id": doc.ID.String()})
	return doc, nil
}
