// tbcpuctl - Translation CPU Harness
// https://github.com/tbcpu/harness
// License: GPLv3 or later

// Package harness implements the managed-side control plane around a
// native dynamic binary translator (TBT): it owns the CPU execution
// thread, mediates every transition between the host process and the
// translator, implements pause/step/breakpoint/watchpoint semantics on
// top of a translator that groups instructions into variable-size
// blocks, and marshals translator callbacks back for bus I/O, symbol
// lookup and abort reporting.
//
// The translator library, system bus and ELF/UImage loaders are
// external collaborators; only their interfaces are modelled here.
package harness
