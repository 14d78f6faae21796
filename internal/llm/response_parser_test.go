package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/companion/pkg/types"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantJSON string
	}{
		{
			name:     "plain JSON object",
			input:    `{"key": "value"}`,
			wantJSON: `{"key": "value"}`,
		},
		{
			name:     "JSON with markdown code block",
			input:    "```json\n{\"key\": \"value\"}\n```",
			wantJSON: `{"key": "value"}`,
		},
		{
			name:     "JSON with surrounding text",
			input:    "Here is the JSON:\n{\"key\": \"value\"}\nEnd of JSON",
			wantJSON: `{"key": "value"}`,
		},
		{
			name:     "braces inside strings are ignored",
			input:    `{"reason": "she said }{ twice", "ok": true} trailing`,
			wantJSON: `{"reason": "she said }{ twice", "ok": true}`,
		},
		{
			name:     "no JSON returns input",
			input:    "nothing here",
			wantJSON: "nothing here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantJSON, extractJSON(tt.input))
		})
	}
}

func TestParseGoal(t *testing.T) {
	free := types.AllowedGoalTypes(types.TierFree)

	t.Run("valid goal", func(t *testing.T) {
		goal, err := ParseGoal("Sure!\n"+`{"goal_type":"relationship","goal_description":"Learn her favorite song","completion_condition":"She names a song","difficulty":"Easy","estimated_messages":6}`, free)
		require.NoError(t, err)
		assert.Equal(t, types.GoalRelationship, goal.Type)
		assert.Equal(t, types.DifficultyEasy, goal.Difficulty)
		assert.Equal(t, 6, goal.EstimatedMessages)
	})

	t.Run("type outside tier is rejected", func(t *testing.T) {
		_, err := ParseGoal(`{"goal_type":"activity","goal_description":"Go bowling","difficulty":"medium"}`, free)
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("unknown difficulty and estimate are normalized", func(t *testing.T) {
		goal, err := ParseGoal(`{"goal_type":"image_request","goal_description":"Get a beach photo","difficulty":"legendary","estimated_messages":"90"}`, free)
		require.NoError(t, err)
		assert.Equal(t, types.DifficultyMedium, goal.Difficulty)
		assert.Equal(t, 30, goal.EstimatedMessages)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseGoal("I cannot help with that", free)
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})
}

func TestParseGoalCompletion(t *testing.T) {
	verdict, err := ParseGoalCompletion("```json\n{\"completed\":\"true\",\"confidence\":\"85\",\"reason\":\"She shared it\"}\n```")
	require.NoError(t, err)
	assert.True(t, verdict.Completed)
	assert.Equal(t, 85, verdict.Confidence)
	assert.Equal(t, "She shared it", verdict.Reason)

	verdict, err = ParseGoalCompletion(`{"completed":false,"confidence":140}`)
	require.NoError(t, err)
	assert.Equal(t, 100, verdict.Confidence)

	_, err = ParseGoalCompletion(`{"confidence":10}`)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseImageRequest(t *testing.T) {
	signal, err := ParseImageRequest(`{"image_request":true,"image_num":2}`)
	require.NoError(t, err)
	assert.Equal(t, ImageRequestSignal{Requested: true, Count: 2}, signal)

	signal, err = ParseImageRequest(`{"image_request":false}`)
	require.NoError(t, err)
	assert.False(t, signal.Requested)
	assert.Equal(t, 1, signal.Count)

	_, err = ParseImageRequest(`[1,2]`)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestCleanPosePrompt(t *testing.T) {
	assert.Equal(t, "1girl, beach, sunset", cleanPosePrompt("\"1girl,\n beach,   sunset\"\n"))
}
