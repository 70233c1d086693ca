// Package ptw implements a software walk of VMSAv8-64 long-descriptor
// translation tables (4KB granule, four lookup levels, 48-bit output
// addresses), reading the tables from physical memory.
package ptw
