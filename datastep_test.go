package datastep

import (
	"sync"
	"testing"

	tassert "github.com/stretchr/testify/assert"
)

func TestGetGID(t *testing.T) {
	main := GetGID()
	tassert.NotZero(t, main)
	tassert.Equal(t, main, GetGID())

	var wg sync.WaitGroup
	var other uint64
	wg.Add(1)
	go func() {
		defer wg.Done()
		other = GetGID()
	}()
	wg.Wait()
	tassert.NotZero(t, other)
	tassert.NotEqual(t, main, other)
}
