// Copyright © 2022 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

type LogOptions struct {
	// Verbose: peckish log level, if it is true will set debug log mode.
	Verbose bool
	// DisableColor if true will disable outputting colors.
	DisableColor bool
}

func Init(options LogOptions) {
	if options.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	// The report file is machine-read, so all logging goes to stderr.
	logrus.SetOutput(os.Stderr)

	logrus.SetFormatter(&Formatter{
		DisableColor: options.DisableColor,
	})
}
