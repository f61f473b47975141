package toolbox

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressBar(t *testing.T) {
	assert := require.New(t)

	tableTest := func(max int) {
		buf := &bytes.Buffer{}
		p := ConsoleProgress{Max: max, Out: buf}

		for i := 0; i < max+1; i++ {
			p.Print(i)
		}
		assert.Equal(progressWidth-2, p.Current)
		lines := strings.Split(buf.String(), "\r")
		last := lines[len(lines)-2]
		assert.Len(last, progressWidth)
		assert.Equal("["+strings.Repeat("=", progressWidth-2)+"]", last)
		assert.True(strings.HasSuffix(buf.String(), "\n"))
	}

	tableTest(1)
	tableTest(50)
	tableTest(77)
	tableTest(100)
	tableTest(500)
}

func TestProgressBarNoChange(t *testing.T) {
	assert := require.New(t)

	buf := &bytes.Buffer{}
	p := ConsoleProgress{Max: 1000, Out: buf}
	p.Print(1)
	assert.Equal(0, buf.Len())
	p.Print(500)
	n := buf.Len()
	assert.NotZero(n)
	p.Print(501)
	assert.Equal(n, buf.Len())

	empty := ConsoleProgress{Out: buf}
	empty.Print(10)
	assert.Equal(n, buf.Len())
}
