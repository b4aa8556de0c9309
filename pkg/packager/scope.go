/*
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright the virt-backup contributors.
 *
 */

package packager

import (
	"sync"

	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

// scope is embedded by every packager variant to enforce the open/close
// contract of spec §4.2: re-entry into a closed packager fails with
// PackagerNotOpened, re-opening an open one fails with PackagerOpened.
type scope struct {
	mu     sync.Mutex
	opened bool
}

func (s *scope) markOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return &vberrors.PackagerOpened{}
	}
	s.opened = true
	return nil
}

func (s *scope) markClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return &vberrors.PackagerNotOpened{}
	}
	s.opened = false
	return nil
}

func (s *scope) requireOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return &vberrors.PackagerNotOpened{}
	}
	return nil
}
