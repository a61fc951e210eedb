package fcdriver

import (
	"encoding/json"
	"testing"

	"github.com/nod-ai/sharktank/internal/device"
)

func TestGenerateConfList(t *testing.T) {
	data, err := generateConfList()
	if err != nil {
		t.Fatalf("generateConfList: %v", err)
	}

	var parsed confListJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal conflist: %v", err)
	}

	if parsed.CNIVersion != CNIVersion {
		t.Errorf("cniVersion = %q, want %q", parsed.CNIVersion, CNIVersion)
	}
	if parsed.Name != CNINetworkName {
		t.Errorf("name = %q, want %q", parsed.Name, CNINetworkName)
	}
	if len(parsed.Plugins) != 2 {
		t.Fatalf("plugins count = %d, want 2", len(parsed.Plugins))
	}
	if parsed.Plugins[0]["type"] != "bridge" {
		t.Errorf("plugin[0].type = %q, want bridge", parsed.Plugins[0]["type"])
	}
	if parsed.Plugins[1]["type"] != "tc-redirect-tap" {
		t.Errorf("plugin[1].type = %q, want tc-redirect-tap", parsed.Plugins[1]["type"])
	}
}

func TestGenerateMACIsDeterministicAndLocallyAdministered(t *testing.T) {
	addr0 := device.Address{SystemClass: "fcvm", DriverPrefix: "fc", InstanceOrdinal: 0}
	mac1 := GenerateMAC(addr0)
	mac2 := GenerateMAC(addr0)
	if mac1.String() != mac2.String() {
		t.Errorf("GenerateMAC is not deterministic: %s != %s", mac1, mac2)
	}
	if mac1[0]&0x02 == 0 {
		t.Errorf("MAC %s is not locally administered", mac1)
	}

	addr1 := device.Address{SystemClass: "fcvm", DriverPrefix: "fc", InstanceOrdinal: 1}
	mac3 := GenerateMAC(addr1)
	if mac1.String() == mac3.String() {
		t.Error("GenerateMAC produced the same address for two different instance ordinals")
	}
}

func TestGenerateMACDiffersByQueueOrdinal(t *testing.T) {
	base := device.Address{SystemClass: "fcvm", DriverPrefix: "fc", InstanceOrdinal: 2}
	q0 := base
	q0.QueueOrdinal = 0
	q1 := base
	q1.QueueOrdinal = 1

	mac0 := GenerateMAC(q0)
	mac1 := GenerateMAC(q1)
	if mac0.String() == mac1.String() {
		t.Error("GenerateMAC produced the same address for two different queue ordinals on the same instance")
	}
	for i := 0; i < 5; i++ {
		if mac0[i] != mac1[i] {
			t.Errorf("GenerateMAC byte %d differs across queue ordinals: %v vs %v", i, mac0, mac1)
		}
	}
}

func TestNetworkManagerSetupTeardownKeyedByInstanceNotQueue(t *testing.T) {
	q0 := device.Address{SystemClass: "fcvm", DriverPrefix: "fc", InstanceOrdinal: 7, QueueOrdinal: 0}
	q1 := device.Address{SystemClass: "fcvm", DriverPrefix: "fc", InstanceOrdinal: 7, QueueOrdinal: 1}
	if keyForAddress(q0) != keyForAddress(q1) {
		t.Error("two queues of the same instance must share one instanceKey")
	}

	other := device.Address{SystemClass: "fcvm", DriverPrefix: "fc", InstanceOrdinal: 8, QueueOrdinal: 0}
	if keyForAddress(q0) == keyForAddress(other) {
		t.Error("two different instances must not share an instanceKey")
	}
}
