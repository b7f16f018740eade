package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"gorm.io/gorm"

	"promptly/internal/apperr"
	"promptly/internal/model"
)

const nodePageSize = 100

type NodeRepository struct {
	db       *gorm.DB
	pageSize int
}

func NewNodeRepository(db *gorm.DB) *NodeRepository {
	return &NodeRepository{db: db, pageSize: nodePageSize}
}

// Append inserts node after checking that its parent lives in the same
// session and may take a child of this type. A second child of the same
// parent is rejected by the unique parent_id index.
func (r *NodeRepository) Append(ctx context.Context, node *model.Node) error {
	db := r.db.WithContext(ctx)

	var parent *model.Node
	if node.IsRoot() {
		var roots int64
		if err := db.Model(&model.Node{}).
			Where("session_id = ? AND parent_id IS NULL", node.SessionID).
			Count(&roots).Error; err != nil {
			return fmt.Errorf("count root nodes failed: %w", err)
		}
		if roots > 0 {
			return apperr.Conflict("session %s already has a root node", node.SessionID)
		}
	} else {
		var p model.Node
		if err := db.Where("id = ? AND session_id = ?", *node.ParentID, node.SessionID).First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Conflict("parent %s is not a node of session %s", *node.ParentID, node.SessionID)
			}
			return fmt.Errorf("query parent node failed: %w", err)
		}
		parent = &p
	}
	if err := model.CheckChild(parent, node); err != nil {
		return err
	}

	if err := db.Create(node).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if parent != nil {
				return apperr.Conflict("node %s already has a child or id %s is taken", parent.ID, node.ID)
			}
			return apperr.Conflict("node %s already exists", node.ID)
		}
		return fmt.Errorf("append node failed: %w", err)
	}
	return nil
}

func (r *NodeRepository) GetNode(ctx context.Context, sessionID, nodeID string) (*model.Node, error) {
	var node model.Node
	if err := r.db.WithContext(ctx).Where("id = ? AND session_id = ?", nodeID, sessionID).First(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("node %s in session %s", nodeID, sessionID)
		}
		return nil, fmt.Errorf("get node failed: %w", err)
	}
	return &node, nil
}

// ListBySession pages through a session's nodes in creation order. Every
// range over the returned sequence starts again from the first page.
func (r *NodeRepository) ListBySession(ctx context.Context, sessionID string) iter.Seq2[model.Node, error] {
	return func(yield func(model.Node, error) bool) {
		var after uint
		for {
			var page []model.Node
			err := r.db.WithContext(ctx).
				Where("session_id = ? AND seq > ?", sessionID, after).
				Order("seq ASC").
				Limit(r.pageSize).
				Find(&page).Error
			if err != nil {
				yield(model.Node{}, fmt.Errorf("list nodes failed: %w", err))
				return
			}
			for _, node := range page {
				if !yield(node, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
			after = page[len(page)-1].Seq
		}
	}
}

func (r *NodeRepository) ChildrenOf(ctx context.Context, nodeID string) ([]model.Node, error) {
	var children []model.Node
	if err := r.db.WithContext(ctx).Where("parent_id = ?", nodeID).Order("seq ASC").Find(&children).Error; err != nil {
		return nil, fmt.Errorf("list child nodes failed: %w", err)
	}
	return children, nil
}
