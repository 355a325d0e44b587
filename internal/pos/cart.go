// ABOUTME: Point-of-sale cart that keeps working offline by queuing every edit
// ABOUTME: The visible cart is the pulled working set with queued edits overlaid

package pos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/2389/outpost/internal/syncengine"
	"github.com/2389/outpost/internal/vault"
)

// ResourceCartLines is the sync resource for cart lines.
const ResourceCartLines = "cart_lines"

// Cart errors
var (
	ErrUnknownItem     = errors.New("item not in cart")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidItem     = errors.New("item needs a product id")
)

// Line is one product in the cart.
type Line struct {
	ProductID      string `json:"productId"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
}

// Subtotal returns quantity times unit price.
func (l Line) Subtotal() int64 {
	return int64(l.Quantity) * l.UnitPriceCents
}

// Authenticator gates edits on a usable session. While offline the vault is
// the only check.
type Authenticator interface {
	Require(ctx context.Context) (*vault.Record, error)
}

// Cart edits lines through the sync engine's queue.
type Cart struct {
	engine *syncengine.Engine
	auth   Authenticator
	logger *slog.Logger
}

// NewCart creates a cart. auth may be nil to skip the session check.
func NewCart(engine *syncengine.Engine, auth Authenticator, logger *slog.Logger) *Cart {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cart{
		engine: engine,
		auth:   auth,
		logger: logger.With("component", "pos"),
	}
}

// Lines returns the cart as it stands locally, sorted by product id.
func (c *Cart) Lines(ctx context.Context) []Line {
	records := syncengine.Merge(c.engine.WorkingSet(ctx).Records, c.engine.Pending(), ResourceCartLines)

	lines := make([]Line, 0, len(records))
	for _, r := range records {
		var l Line
		if err := json.Unmarshal(r.Data, &l); err != nil {
			c.logger.Warn("skipping unreadable cart line", "record_id", r.ID, "error", err)
			continue
		}
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines
}

// Total returns the cart total in cents.
func (c *Cart) Total(ctx context.Context) int64 {
	var total int64
	for _, l := range c.Lines(ctx) {
		total += l.Subtotal()
	}
	return total
}

// AddItem adds line, or increases the quantity of a line for the same product.
func (c *Cart) AddItem(ctx context.Context, line Line) error {
	if line.ProductID == "" {
		return ErrInvalidItem
	}
	if line.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if err := c.authorize(ctx); err != nil {
		return err
	}

	op := syncengine.OpCreate
	if cur, ok := c.find(ctx, line.ProductID); ok {
		op = syncengine.OpUpdate
		line.Quantity += cur.Quantity
		if line.Name == "" {
			line.Name = cur.Name
		}
	}
	return c.enqueue(ctx, op, line)
}

// SetQuantity replaces a line's quantity. Zero removes the line.
func (c *Cart) SetQuantity(ctx context.Context, productID string, qty int) error {
	if qty < 0 {
		return ErrInvalidQuantity
	}
	if qty == 0 {
		return c.RemoveItem(ctx, productID)
	}
	if err := c.authorize(ctx); err != nil {
		return err
	}

	cur, ok := c.find(ctx, productID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, productID)
	}
	cur.Quantity = qty
	return c.enqueue(ctx, syncengine.OpUpdate, cur)
}

// RemoveItem drops a line.
func (c *Cart) RemoveItem(ctx context.Context, productID string) error {
	if err := c.authorize(ctx); err != nil {
		return err
	}
	cur, ok := c.find(ctx, productID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, productID)
	}
	return c.enqueue(ctx, syncengine.OpDelete, cur)
}

func (c *Cart) authorize(ctx context.Context) error {
	if c.auth == nil {
		return nil
	}
	if _, err := c.auth.Require(ctx); err != nil {
		return fmt.Errorf("editing cart: %w", err)
	}
	return nil
}

func (c *Cart) find(ctx context.Context, productID string) (Line, bool) {
	for _, l := range c.Lines(ctx) {
		if l.ProductID == productID {
			return l, true
		}
	}
	return Line{}, false
}

func (c *Cart) enqueue(ctx context.Context, op syncengine.Op, line Line) error {
	var payload json.RawMessage
	if op != syncengine.OpDelete {
		raw, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("encoding cart line: %w", err)
		}
		payload = raw
	}

	_, err := c.engine.Enqueue(ctx, syncengine.Change{
		Resource: ResourceCartLines,
		Op:       op,
		RecordID: line.ProductID,
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("queuing cart edit: %w", err)
	}
	c.logger.Debug("cart edited", "op", op, "product_id", line.ProductID, "quantity", line.Quantity)
	return nil
}
