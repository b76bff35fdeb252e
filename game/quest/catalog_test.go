package quest

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCatalog_LoadAndReload(t *testing.T) {
	first := &TemplateSet{Daily: []Template{tmpl("a", 1)}}
	second := &TemplateSet{Daily: []Template{tmpl("b", 1), tmpl("c", 1)}}
	sets := []*TemplateSet{first, second}
	calls := 0
	cat := NewCatalog(func() (*TemplateSet, error) {
		s := sets[calls]
		calls++
		return s, nil
	}, zap.NewNop())

	_, err := cat.Load()
	require.NoError(t, err)
	assert.Len(t, cat.Templates(TierDaily), 1)
	v := cat.Version()

	require.NoError(t, cat.Reload())
	assert.Len(t, cat.Templates(TierDaily), 2)
	assert.Greater(t, cat.Version(), v)
	assert.Equal(t, DefaultAliases, cat.Aliases())
}

func TestCatalog_ReloadErrorKeepsPrevious(t *testing.T) {
	fail := false
	cat := NewCatalog(func() (*TemplateSet, error) {
		if fail {
			return nil, errors.New("bad yaml")
		}
		return &TemplateSet{Weekly: []Template{tmpl("w", 1)}}, nil
	}, zap.NewNop())
	_, err := cat.Load()
	require.NoError(t, err)

	fail = true
	assert.Error(t, cat.Reload())
	assert.Len(t, cat.Templates(TierWeekly), 1)
}

func TestCatalog_EligibleAndLookup(t *testing.T) {
	cat := NewStaticCatalog(&TemplateSet{
		Daily:   []Template{tmpl("a", 2), tmpl("off", 0)},
		Weekly:  []Template{tmpl("z1", 0), tmpl("z2", 0)},
		Aliases: Aliases{"X": "_X"},
	})
	assert.Len(t, cat.Templates(TierDaily), 2)
	require.Len(t, cat.Eligible(TierDaily), 1)
	assert.Equal(t, "a", cat.Eligible(TierDaily)[0].ID)
	assert.Len(t, cat.Eligible(TierWeekly), 2, "all-zero tier falls back to every template")

	got, ok := cat.Lookup(TierDaily, "off")
	assert.True(t, ok)
	assert.Equal(t, 0, got.Weight)
	_, ok = cat.Lookup(TierShared, "a")
	assert.False(t, ok)
	assert.Equal(t, Aliases{"X": "_X"}, cat.Aliases())
}

func TestCatalog_ConcurrentReadDuringReload(t *testing.T) {
	small := &TemplateSet{Daily: []Template{tmpl("a", 1)}}
	big := &TemplateSet{Daily: []Template{tmpl("a", 1), tmpl("b", 1), tmpl("c", 1)}}
	toggle := false
	var mu sync.Mutex
	cat := NewCatalog(func() (*TemplateSet, error) {
		mu.Lock()
		defer mu.Unlock()
		toggle = !toggle
		if toggle {
			return big, nil
		}
		return small, nil
	}, zap.NewNop())
	_, err := cat.Load()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				n := len(cat.Templates(TierDaily))
				assert.True(t, n == 1 || n == 3, "observed partial catalog of %d", n)
			}
		}()
	}
	for j := 0; j < 100; j++ {
		_ = cat.Reload()
	}
	wg.Wait()
}
