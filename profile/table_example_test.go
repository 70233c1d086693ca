package profile

import "fmt"

func ExampleTable() {
	test := QEMUVirt()
	test.RAMSize = 0x08000000
	test.UIDCeiling = 1000

	profiles := DefaultTable().
		AddInContext(test, "small-test-board")

	p := profiles.CurrentOrExit()
	fmt.Printf("%s: %s uid ceiling %d\n", profiles.CurrentContext(), p.RAM(), p.UIDCeiling)

	profiles.SetContext("small-test-board")

	p = profiles.CurrentOrExit()
	fmt.Printf("%s: %s uid ceiling %d\n", profiles.CurrentContext(), p.RAM(), p.UIDCeiling)

	// Output:
	// qemu-virt-5.15: [0x0000000040000000, 0x000000004f000000) uid ceiling 2000
	// small-test-board: [0x0000000040000000, 0x0000000048000000) uid ceiling 1000
}
