package outbound

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"wemp/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSender struct {
	mu       sync.Mutex
	texts    []string
	images   []string
	typing   int
	failText int // 1-based index of the text call that fails; 0 = never
	failImg  map[string]bool
}

func (s *recordingSender) SendText(_ context.Context, _, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failText > 0 && len(s.texts)+1 == s.failText {
		s.texts = append(s.texts, "<failed>")
		return errors.New("api error 45015")
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSender) SendImage(_ context.Context, _, _, u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failImg[u] {
		return errors.New("upload failed")
	}
	s.images = append(s.images, u)
	return nil
}

func (s *recordingSender) SendTyping(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing++
	return nil
}

func TestSplitMessage_ExactLimits(t *testing.T) {
	text := strings.Repeat("a", 1500)
	chunks := SplitMessage(text, 600, 100)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 600)
	assert.Len(t, chunks[1], 600)
	assert.Len(t, chunks[2], 300)
}

func TestSplitMessage_PrefersPunctuation(t *testing.T) {
	text := strings.Repeat("字", 550) + "。" + strings.Repeat("字", 100)
	chunks := SplitMessage(text, 600, 100)

	require.Len(t, chunks, 2)
	assert.True(t, strings.HasSuffix(chunks[0], "。"))
	assert.Equal(t, 551, utf8.RuneCountInString(chunks[0]))
	assert.Equal(t, 100, utf8.RuneCountInString(chunks[1]))
}

func TestSplitMessage_PunctuationOutsideWindow(t *testing.T) {
	text := strings.Repeat("x", 400) + "\n" + strings.Repeat("y", 400)
	chunks := SplitMessage(text, 600, 100)

	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 600, "newline 200 chars back is outside the window")
}

func TestSplitMessage_PunctuationAtLimitStaysWithinBound(t *testing.T) {
	text := strings.Repeat("x", 600) + "，" + strings.Repeat("y", 10)
	chunks := SplitMessage(text, 600, 100)

	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 600)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplitMessage_Properties(t *testing.T) {
	inputs := []string{
		"",
		"short",
		strings.Repeat("天气很好，我们去公园吧！", 120),
		strings.Repeat("line\n", 400),
		strings.Repeat("无标点", 500),
	}
	for _, limit := range []int{1, 7, 100, 600} {
		for _, in := range inputs {
			chunks := SplitMessage(in, limit, 100)
			assert.Equal(t, in, strings.Join(chunks, ""))
			for _, c := range chunks {
				assert.LessOrEqual(t, utf8.RuneCountInString(c), limit)
				assert.NotEmpty(t, c)
			}
		}
	}
	assert.Nil(t, SplitMessage("", 600, 100))
}

func TestDispatcher_SendText_Sequential(t *testing.T) {
	s := &recordingSender{}
	d := NewDispatcher(Config{Sender: s, ChunkDelay: -1, Logger: testLogger()})

	id, err := d.SendText(context.Background(), "acct", "user", strings.Repeat("b", 1500))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "wemp-"))
	require.Len(t, s.texts, 3)
	assert.Len(t, s.texts[2], 300)
}

func TestDispatcher_SendText_StopsOnFirstFailure(t *testing.T) {
	s := &recordingSender{failText: 2}
	d := NewDispatcher(Config{Sender: s, ChunkDelay: -1, Logger: testLogger()})

	_, err := d.SendText(context.Background(), "acct", "user", strings.Repeat("c", 1500))
	require.Error(t, err)

	var de *domain.DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Chunk)
	assert.Equal(t, 3, de.Total)
	assert.Len(t, s.texts, 2, "third chunk must not be attempted")
}

func TestDispatcher_SendText_SkipsBlankChunks(t *testing.T) {
	s := &recordingSender{}
	d := NewDispatcher(Config{Sender: s, TextLimit: 5, ChunkDelay: -1, Logger: testLogger()})

	_, err := d.SendText(context.Background(), "acct", "user", "hello     world")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, s.texts)
}

func TestDispatcher_SendText_ContextCancelledBetweenChunks(t *testing.T) {
	s := &recordingSender{}
	d := NewDispatcher(Config{Sender: s, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.SendText(ctx, "acct", "user", strings.Repeat("d", 1200))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, s.texts, 1)
}

func TestDispatcher_SendImages_CapAndBestEffort(t *testing.T) {
	var urls []string
	for i := 0; i < 12; i++ {
		urls = append(urls, "https://x.test/"+string(rune('a'+i))+".png")
	}
	s := &recordingSender{failImg: map[string]bool{urls[1]: true}}
	d := NewDispatcher(Config{Sender: s, Logger: testLogger()})

	n := d.SendImages(context.Background(), "acct", "user", urls)
	assert.Equal(t, 9, n)
	assert.Equal(t, urls[0], s.images[0])
	assert.Equal(t, urls[2], s.images[1])
	assert.NotContains(t, s.images, urls[10])
}

func TestDispatcher_SendTyping(t *testing.T) {
	s := &recordingSender{}
	d := NewDispatcher(Config{Sender: s, Logger: testLogger()})
	require.NoError(t, d.SendTyping(context.Background(), "acct", "user"))
	assert.Equal(t, 1, s.typing)
}
