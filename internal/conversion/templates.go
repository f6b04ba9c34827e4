package conversion

import (
	"context"
	"fmt"
	"strings"

	"github.com/dharsanguruparan/SlideFill/internal/model"
	pdfutil "github.com/dharsanguruparan/SlideFill/internal/pdf"
)

// RegisterRequest describes a template upload that is being registered.
type RegisterRequest struct {
	Name       string
	File       model.BlobRef
	SlideCount int
}

// RegisterTemplate checks the caller's template quota and stores the
// template. Two concurrent registrations may both pass the count check; the
// count is not locked across the check and the insert.
func (c *Controller) RegisterTemplate(ctx context.Context, callerID string, req RegisterRequest) (*model.Template, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || req.File.Key == "" {
		return nil, fmt.Errorf("%w: name and file key are required", model.ErrInvalidArgument)
	}
	if req.SlideCount < 0 {
		return nil, fmt.Errorf("%w: slide count must not be negative", model.ErrInvalidArgument)
	}

	tier, err := c.tier(ctx, callerID)
	if err != nil {
		return nil, err
	}
	current, err := c.templates.CountTemplatesByOwner(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("count templates: %w", err)
	}
	if err := c.guard.CheckTemplateRegistration(tier, current, req.SlideCount); err != nil {
		return nil, err
	}

	file := req.File
	if file.URL == "" && c.blobs != nil {
		u, err := c.blobs.ResolveForRead(ctx, file.Key)
		if err != nil {
			return nil, fmt.Errorf("resolve template file: %w", err)
		}
		file.URL = u
	}
	now := c.now()
	tpl := &model.Template{
		ID:         c.newID(),
		OwnerID:    callerID,
		Name:       name,
		File:       file,
		SlideCount: req.SlideCount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.templates.CreateTemplate(ctx, tpl); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	c.logger.Info("template registered", "template_id", tpl.ID, "owner_id", callerID, "slides", tpl.SlideCount, "tier", tier)
	return tpl, nil
}

// ListTemplates returns the caller's templates, newest first.
func (c *Controller) ListTemplates(ctx context.Context, callerID string) ([]*model.Template, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: caller id is required", model.ErrInvalidArgument)
	}
	list, err := c.templates.ListTemplatesByOwner(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	if list == nil {
		list = []*model.Template{}
	}
	for _, tpl := range list {
		c.refreshURL(ctx, &tpl.File)
	}
	return list, nil
}

// GetTemplate returns the caller's template.
func (c *Controller) GetTemplate(ctx context.Context, callerID, templateID string) (*model.Template, error) {
	tpl, err := c.ownedTemplate(ctx, callerID, templateID)
	if err != nil {
		return nil, err
	}
	c.refreshURL(ctx, &tpl.File)
	return tpl, nil
}

// DeleteTemplate removes the caller's template record. The file itself is
// left in the blob store because jobs that were already submitted may still
// need to stage it.
func (c *Controller) DeleteTemplate(ctx context.Context, callerID, templateID string) error {
	if _, err := c.ownedTemplate(ctx, callerID, templateID); err != nil {
		return err
	}
	if err := c.templates.DeleteTemplate(ctx, templateID); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	c.logger.Info("template deleted", "template_id", templateID, "owner_id", callerID)
	return nil
}

// MeasureTemplate stages key into a scratch workspace and counts its slides.
// PDFs are read in process; everything else goes through the external
// slide counter.
func (c *Controller) MeasureTemplate(ctx context.Context, callerID, key string) (int, error) {
	if callerID == "" || key == "" {
		return 0, fmt.Errorf("%w: caller and file key are required", model.ErrInvalidArgument)
	}
	ws, err := c.workspaces.Acquire("measure")
	if err != nil {
		return 0, err
	}
	defer c.workspaces.Release(ws)

	local := ws.Path("template" + extOr(key, ".pptx"))
	if err := c.stager.Fetch(ctx, key, local); err != nil {
		return 0, err
	}
	if pdfutil.IsPDF(local) {
		n, err := pdfutil.PageCountFile(local)
		if err != nil {
			return 0, fmt.Errorf("count pdf pages: %w", err)
		}
		return n, nil
	}
	return c.converter.SlideCount(ctx, local)
}

func (c *Controller) ownedTemplate(ctx context.Context, callerID, templateID string) (*model.Template, error) {
	if callerID == "" || templateID == "" {
		return nil, fmt.Errorf("%w: caller and template id are required", model.ErrInvalidArgument)
	}
	tpl, err := c.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.OwnerID != callerID {
		return nil, fmt.Errorf("template %s: %w", templateID, model.ErrForbidden)
	}
	return tpl, nil
}
