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

import (
	logger "github.com/joelandman/slurm/pkg/log"
)

var (
	log     = logger.Get("gres")
	details = logger.Get("gres-details")
)

// DumpNodeState logs the full per-kind node ledger at debug level.
func DumpNodeState(nodeName string, list []*NodeGres) {
	if !details.DebugEnabled() {
		return
	}
	for _, ng := range list {
		ns := ng.State
		details.Debug("gres/%s state for %s", ng.Name, nodeName)
		details.Debug("  count configured:%d found:%s avail:%d alloc:%d",
			ns.ConfiguredCount, noVal64String(ns.FoundCount),
			ns.AvailableCount, ns.AllocatedCount)
		if ns.UnitAlloc != nil {
			details.Debug("  units allocated: %s of %d",
				ns.UnitAlloc, ns.UnitAlloc.Size())
		}
		for i, t := range ns.Topo {
			details.Debug("  topo[%d] type:%s cores:%s units:%s avail:%d alloc:%d",
				i, t.TypeName, t.CoreBitmap, t.UnitBitmap,
				t.CountAvail, t.CountAlloc)
		}
		for i, t := range ns.Types {
			details.Debug("  type[%d] %s avail:%d alloc:%d",
				i, t.TypeName, t.CountAvail, t.CountAlloc)
		}
	}
}

// DumpSockGres logs a per-socket fit result at debug level.
func DumpSockGres(nodeName string, list []*SockGres) {
	if !details.DebugEnabled() {
		return
	}
	details.Debug("sock_gres state for %s", nodeName)
	for _, sg := range list {
		details.Debug("gres:%s type:%s total:%d max_node_gres:%d",
			sg.Name, sg.TypeName, sg.TotalCount, sg.MaxNodeGres)
		if sg.AnySockUnits != nil || sg.AnySockCount != 0 {
			details.Debug("  sock[any] cnt:%d units:%s",
				sg.AnySockCount, sg.AnySockUnits)
		}
		for s := range sg.CountBySock {
			if sg.CountBySock[s] == 0 {
				continue
			}
			details.Debug("  sock[%d] cnt:%d units:%s",
				s, sg.CountBySock[s], sg.UnitsBySock[s])
		}
	}
}

func noVal64String(v uint64) string {
	if v == NoVal64 {
		return "TBD"
	}
	return fmtUint(v)
}
