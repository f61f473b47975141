package main

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
	"os"
	"time"

	"github.com/alecthomas/kong"
	gotoolbox "github.com/lab5e/gotoolbox/toolbox"

	"github.com/lab5e/meshfunk/pkg/funk"
)

// This is a diagnostic tool for static deployments. In client mode it
// answers liveness checks on the endpoints, in check mode it reports the
// endpoints as they come and go.
type parameters struct {
	Client    bool          `kong:"help='Answer liveness checks on the endpoints'"`
	Interval  time.Duration `kong:"help='Check interval',default='150ms'"`
	Retries   int           `kong:"help='Failed checks before an endpoint is dead',default='3'"`
	Endpoints []string      `kong:"arg,help='Session endpoints (host:port)'"`
}

func main() {
	var config parameters
	k, err := kong.New(&config, kong.Name("liveness"),
		kong.Description("Liveness checks for static peers"),
		kong.UsageOnError())
	if err != nil {
		panic(err)
	}
	if _, err := k.Parse(os.Args[1:]); err != nil {
		k.FatalIfErrorf(err)
		return
	}

	fmt.Println("Ctrl+C to stop")
	if config.Client {
		for _, v := range config.Endpoints {
			c, err := funk.NewLivenessClient(v)
			k.FatalIfErrorf(err)
			defer c.Stop()
		}
		gotoolbox.WaitForSignal()
		return
	}

	s := funk.NewLivenessChecker(config.Interval, config.Retries)
	defer s.Shutdown()
	for _, v := range config.Endpoints {
		s.Add(v, v, false)
	}
	go func() {
		for k := range s.AliveEvents() {
			fmt.Printf("%s %s is alive\n", time.Now().Format("15:04:05.000"), k)
		}
	}()
	go func() {
		for k := range s.DeadEvents() {
			fmt.Printf("%s %s died\n", time.Now().Format("15:04:05.000"), k)
		}
	}()
	gotoolbox.WaitForSignal()
	fmt.Println("Stopping...")
}
