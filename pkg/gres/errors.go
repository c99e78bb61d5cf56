// Copyright The Slurm GRES Authors. All Rights Reserved.
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

package gres

import "fmt"

var (
	ErrInvalidGres     = fmt.Errorf("gres: invalid resource specification")
	ErrInvalidType     = fmt.Errorf("gres: invalid resource type")
	ErrDuplicateKind   = fmt.Errorf("gres: duplicate resource kind")
	ErrIDCollision     = fmt.Errorf("gres: resource kind id collision")
	ErrSharedWithout   = fmt.Errorf("gres: shared kind configured without its sharing kind")
	ErrUnsupported     = fmt.Errorf("gres: unsupported by active placement plugin")
	ErrBitmapMismatch  = fmt.Errorf("gres: allocation bitmap width mismatch")
	ErrFileCountChange = fmt.Errorf("gres: count change for file-backed kind")
	ErrUnpack          = fmt.Errorf("gres: unpack error")
	ErrConfMismatch    = fmt.Errorf("gres: configuration mismatch")
)
