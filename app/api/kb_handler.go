package api

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"opskb/ingest"
	"opskb/parser"
	"opskb/store"
	"opskb/types"
)

// IndexAdmin is the slice of the retriever the KB handler needs for
// lifecycle cleanup.
type IndexAdmin interface {
	DropIndex(ctx context.Context, kbID uuid.UUID) error
	DeleteByDocument(ctx context.Context, kbID, documentID uuid.UUID) (int64, error)
}

type KBHandler struct {
	store       store.DBStorer
	index       IndexAdmin
	processor   *ingest.Processor
	documentDir string
}

func NewKBHandler(s store.DBStorer, idx IndexAdmin, p *ingest.Processor, documentDir string) *KBHandler {
	return &KBHandler{
		store:       s,
		index:       idx,
		processor:   p,
		documentDir: documentDir,
	}
}

func (h *KBHandler) HandleCreateKB(c *fiber.Ctx) error {
	var params types.CreateKBParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	kb, err := h.store.CreateKB(c.Context(), params)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(kb)
}

func (h *KBHandler) HandleListKBs(c *fiber.Ctx) error {
	kbs, err := h.store.ListKBs(c.Context())
	if err != nil {
		return err
	}
	if kbs == nil {
		kbs = []types.KnowledgeBase{}
	}
	return c.JSON(kbs)
}

func (h *KBHandler) HandleGetKB(c *fiber.Ctx) error {
	kbID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}
	kb, err := h.store.GetKB(c.Context(), kbID)
	if err != nil {
		return err
	}
	return c.JSON(kb)
}

func (h *KBHandler) HandleDeleteKB(c *fiber.Ctx) error {
	kbID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}
	if _, err := h.store.GetKB(c.Context(), kbID); err != nil {
		return err
	}

	// Drop the search partition first; the relational rows cascade.
	if err := h.index.DropIndex(c.Context(), kbID); err != nil {
		return err
	}
	if err := h.store.DeleteKB(c.Context(), kbID); err != nil {
		return err
	}
	os.RemoveAll(filepath.Join(h.documentDir, kbID.String()))

	return c.JSON(fiber.Map{"result": "deleted"})
}

// HandleUploadDocument accepts a multipart file, records a pending
// document and kicks off ingestion in the background. The response is
// the pending document; progress is polled via the status route.
func (h *KBHandler) HandleUploadDocument(c *fiber.Ctx) error {
	kbID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}
	if _, err := h.store.GetKB(c.Context(), kbID); err != nil {
		return err
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return ErrBadRequest()
	}
	if !parser.Supported(fileHeader.Filename) {
		return ErrUnsupportedFileType(fileHeader.Filename)
	}

	file, err := fileHeader.Open()
	if err != nil {
		return err
	}
	defer file.Close()

	doc, err := h.processor.Ingest(c.Context(), kbID, fileHeader.Filename, file)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(doc)
}

func (h *KBHandler) HandleListDocuments(c *fiber.Ctx) error {
	kbID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}
	if _, err := h.store.GetKB(c.Context(), kbID); err != nil {
		return err
	}

	docs, err := h.store.ListDocuments(c.Context(), kbID)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []types.Document{}
	}
	return c.JSON(docs)
}

// document resolves the :docID route param and checks it belongs to the
// :id knowledge base.
func (h *KBHandler) document(c *fiber.Ctx) (*types.Document, error) {
	kbID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, ErrInvalidID()
	}
	docID, err := uuid.Parse(c.Params("docID"))
	if err != nil {
		return nil, ErrInvalidID()
	}

	doc, err := h.store.GetDocument(c.Context(), docID)
	if err != nil {
		return nil, err
	}
	if doc.KBID != kbID {
		return nil, types.ErrNotFound
	}
	return doc, nil
}

func (h *KBHandler) HandleGetDocument(c *fiber.Ctx) error {
	doc, err := h.document(c)
	if err != nil {
		return err
	}
	return c.JSON(doc)
}

func (h *KBHandler) HandleDeleteDocument(c *fiber.Ctx) error {
	doc, err := h.document(c)
	if err != nil {
		return err
	}

	if _, err := h.index.DeleteByDocument(c.Context(), doc.KBID, doc.ID); err != nil {
		return err
	}
	if err := h.store.DeleteDocument(c.Context(), doc.ID); err != nil {
		return err
	}
	if doc.FilePath != "" {
		os.Remove(doc.FilePath)
	}
	return c.JSON(fiber.Map{"result": "deleted"})
}

func (h *KBHandler) HandleReprocessDocument(c *fiber.Ctx) error {
	doc, err := h.document(c)
	if err != nil {
		return err
	}

	if err := h.processor.Start(doc.ID); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"result": "processing"})
}

func (h *KBHandler) HandleListChunks(c *fiber.Ctx) error {
	doc, err := h.document(c)
	if err != nil {
		return err
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	chunks, total, err := h.store.ListChunks(c.Context(), doc.ID, limit, offset)
	if err != nil {
		return err
	}
	if chunks == nil {
		chunks = []types.Chunk{}
	}
	return c.JSON(fiber.Map{
		"chunks": chunks,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
