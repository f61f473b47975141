package toolbox

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"fmt"
	"io"
	"os"
	"strings"
)

const progressWidth = 80

// ConsoleProgress prints an 80-character progress bar for values between
// [0, Max]. The bar is written to Out or stdout if Out is nil.
type ConsoleProgress struct {
	Max     int
	Current int
	Out     io.Writer
}

// Print prints a 80-character wide progress bar. Nothing is printed if the
// bar hasn't changed since the last call.
func (c *ConsoleProgress) Print(val int) {
	if c.Max <= 0 {
		return
	}
	if val > c.Max {
		val = c.Max
	}
	if val < 0 {
		val = 0
	}
	pos := (float64(val) / float64(c.Max)) * float64(progressWidth-2)

	newVal := int(pos)
	if newVal == c.Current {
		return
	}
	c.Current = newVal

	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "[%s%s]\r", strings.Repeat("=", c.Current), strings.Repeat(" ", progressWidth-2-c.Current))

	if c.Current == (progressWidth - 2) {
		fmt.Fprintln(out)
	}
}
