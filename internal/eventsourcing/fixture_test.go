package eventsourcing

import (
	"strings"

	"github.com/pkg/errors"

	"example.com/backstage/eventcore/internal/domain"
)

var (
	errAlreadyCreated = errors.New("category already created")
	errBlankName      = errors.New("category name must not be blank")
)

type Category struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
	Name    string `json:"name"`
	Renames int    `json:"renames"`
	Deleted bool   `json:"deleted"`
}

type CreateCategory struct{ Name string }

func (CreateCategory) CommandName() string { return "CreateCategory" }

func (CreateCategory) CreatesAggregate() {}

type RenameCategory struct{ Name string }

func (RenameCategory) CommandName() string { return "RenameCategory" }

type DeleteCategory struct{}

func (DeleteCategory) CommandName() string { return "DeleteCategory" }

type CategoryCreated struct {
	Name string `json:"name"`
}

func (CategoryCreated) EventName() string { return "CategoryCreated" }

type CategoryRenamed struct {
	Name string `json:"name"`
}

func (CategoryRenamed) EventName() string { return "CategoryRenamed" }

type CategoryDeleted struct{}

func (CategoryDeleted) EventName() string { return "CategoryDeleted" }

type categoryAggregate struct{}

func (categoryAggregate) Type() domain.AggregateType { return "CATEGORY" }

func (categoryAggregate) Initial(id domain.AggregateID) Category {
	return Category{ID: string(id)}
}

func (categoryAggregate) Decide(state Category, cmd Command, _ domain.Agent) ([]Event, error) {
	switch c := cmd.(type) {
	case CreateCategory:
		if state.Created {
			return nil, errAlreadyCreated
		}
		if strings.TrimSpace(c.Name) == "" {
			return nil, errBlankName
		}
		return []Event{CategoryCreated{Name: c.Name}}, nil
	case RenameCategory:
		if strings.TrimSpace(c.Name) == "" {
			return nil, errBlankName
		}
		if c.Name == state.Name {
			return nil, nil
		}
		return []Event{CategoryRenamed{Name: c.Name}}, nil
	case DeleteCategory:
		return []Event{CategoryDeleted{}}, nil
	}
	return nil, errors.Errorf("unsupported command %s", cmd.CommandName())
}

func (categoryAggregate) Evolve(state Category, ev Event, _ domain.EventMetadata) (Category, error) {
	switch e := ev.(type) {
	case *CategoryCreated:
		state.Created = true
		state.Name = e.Name
	case *CategoryRenamed:
		state.Name = e.Name
		state.Renames++
	case *CategoryDeleted:
		state.Deleted = true
	default:
		return state, errors.Errorf("unsupported event %s", ev.EventName())
	}
	return state, nil
}

func (categoryAggregate) Deleted(state Category) bool {
	return state.Deleted
}

func (categoryAggregate) Anonymize(state Category) Category {
	state.Name = ""
	return state
}

// tunedCategory overrides the snapshot frequency
type tunedCategory struct {
	categoryAggregate
	every int
}

func (t tunedCategory) SnapshotAfter() int {
	return t.every
}

func categoryRegistry() *Registry {
	return NewRegistry().MustRegister(
		func() Event { return &CategoryCreated{} },
		func() Event { return &CategoryRenamed{} },
		func() Event { return &CategoryDeleted{} },
	)
}
