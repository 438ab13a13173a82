package pending

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/surface-annotator/backend/internal/models"
)

// MockOverlay implements Overlay for testing
type MockOverlay struct {
	mock.Mock
}

func (m *MockOverlay) Attach(tool models.AnnotationType) error {
	args := m.Called(tool)
	return args.Error(0)
}

func (m *MockOverlay) Show(entry *Entry) {
	m.Called(entry)
}

func (m *MockOverlay) Detach() {
	m.Called()
}

func newTestManager() (*Manager, *MockOverlay) {
	overlay := new(MockOverlay)
	overlay.On("Attach", mock.Anything).Return(nil)
	overlay.On("Show", mock.Anything).Return()
	overlay.On("Detach").Return()

	m := NewManager(uuid.New(), nil, overlay)
	m.now = func() time.Time { return time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC) }
	return m, overlay
}

func regionTarget() models.Target {
	return models.NewImageRegion(models.NormalizedBox{X: 0.1, Y: 0.1, W: 0.2, H: 0.2})
}

func TestManager_StateMachine(t *testing.T) {
	m, overlay := newTestManager()
	assert.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Select(models.AnnotationTypePoint))
	assert.Equal(t, StateArmed, m.State())
	overlay.AssertCalled(t, "Attach", models.AnnotationTypePoint)

	entry, err := m.Place(models.NewImagePoint(0.4, 0.6), nil)
	require.NoError(t, err)
	assert.Equal(t, StatePending, m.State())
	assert.False(t, entry.IsSubmitting)

	req, err := m.Confirm("fix alignment", 0)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitting, m.State())
	assert.Equal(t, entry.ID, req.AnnotationID)
	require.NotNil(t, req.CommentID)
	assert.Equal(t, entry.CommentID, *req.CommentID)
	assert.True(t, m.Entry().IsSubmitting)

	assert.False(t, m.Acknowledge(uuid.New()))
	assert.True(t, m.Acknowledge(entry.ID))
	assert.Equal(t, StateArmed, m.State())
	assert.Nil(t, m.Entry())
}

func TestManager_BlocksSecondEntryWhileSubmitting(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.Select(models.AnnotationTypePoint))
	_, err := m.Place(models.NewImagePoint(0.1, 0.1), nil)
	require.NoError(t, err)
	_, err = m.Confirm("first", 0)
	require.NoError(t, err)

	_, err = m.Place(models.NewImagePoint(0.2, 0.2), nil)
	assert.ErrorIs(t, err, ErrSubmitting)

	_, err = m.Confirm("again", 0)
	assert.ErrorIs(t, err, ErrSubmitting)
}

func TestManager_PlaceReplacesUnsubmittedEntry(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.Select(models.AnnotationTypePoint))

	first, err := m.Place(models.NewImagePoint(0.1, 0.1), nil)
	require.NoError(t, err)
	second, err := m.Place(models.NewImagePoint(0.2, 0.2), nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, second.ID, m.Entry().ID)
}

func TestManager_CancelOnlyBeforeSubmit(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.Select(models.AnnotationTypeRegion))
	assert.ErrorIs(t, m.Cancel(), ErrNoPending)

	_, err := m.Place(regionTarget(), nil)
	require.NoError(t, err)
	require.NoError(t, m.Cancel())
	assert.Equal(t, StateArmed, m.State())

	_, err = m.Place(regionTarget(), nil)
	require.NoError(t, err)
	_, err = m.Confirm("box", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Cancel(), ErrSubmitting)
}

func TestManager_FailKeepsIDsForRetry(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.Select(models.AnnotationTypePoint))
	entry, err := m.Place(models.NewImagePoint(0.5, 0.5), nil)
	require.NoError(t, err)

	first, err := m.Confirm("retry me", 0)
	require.NoError(t, err)
	require.NoError(t, m.Fail())
	assert.Equal(t, StatePending, m.State())

	second, err := m.Confirm("retry me", 0)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, second.AnnotationID)
	assert.Equal(t, *first.CommentID, *second.CommentID)

	assert.ErrorIs(t, NewManager(uuid.New(), nil, nil).Fail(), ErrNotSubmitting)
}

func TestManager_SwitchingToolDiscardsEntry(t *testing.T) {
	m, overlay := newTestManager()
	require.NoError(t, m.Select(models.AnnotationTypePoint))
	_, err := m.Place(models.NewImagePoint(0.5, 0.5), nil)
	require.NoError(t, err)

	require.NoError(t, m.Select(models.AnnotationTypeRegion))
	assert.Equal(t, StateArmed, m.State())
	assert.Nil(t, m.Entry())
	assert.Equal(t, models.AnnotationTypeRegion, m.Tool())
	overlay.AssertNumberOfCalls(t, "Detach", 1)
	overlay.AssertNumberOfCalls(t, "Attach", 2)
}

func TestManager_RejectsMismatchedShape(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Place(models.NewImagePoint(0.5, 0.5), nil)
	assert.ErrorIs(t, err, ErrNoTool)

	require.NoError(t, m.Select(models.AnnotationTypeRegion))
	_, err = m.Place(models.NewImagePoint(0.5, 0.5), nil)
	assert.ErrorIs(t, err, ErrWrongShape)

	assert.ErrorIs(t, m.Select("LASSO"), ErrInvalidTool)
}

func TestManager_ConfirmValidatesText(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.Select(models.AnnotationTypePoint))
	_, err := m.Place(models.NewImagePoint(0.5, 0.5), nil)
	require.NoError(t, err)

	_, err = m.Confirm("", 0)
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, StatePending, m.State())

	_, err = m.Confirm("", 1)
	assert.NoError(t, err)
}

func TestManager_CloseDetachesOverlayOnce(t *testing.T) {
	m, overlay := newTestManager()
	require.NoError(t, m.Select(models.AnnotationTypePoint))

	m.Close()
	m.Close()

	assert.Equal(t, StateIdle, m.State())
	overlay.AssertNumberOfCalls(t, "Detach", 1)
}
