package client

import "testing"

func TestServicePathSource_Resolve(t *testing.T) {
	tests := []struct {
		name   string
		source ServicePathSource
		want   string
	}{
		{name: "list name", source: FromList("API_SALES_ORDER_SRV"), want: "/sap/opu/odata/sap/API_SALES_ORDER_SRV/"},
		{name: "list path", source: FromList("/sap/opu/odata4/sap/api_sales/srvd/0001/"), want: "/sap/opu/odata4/sap/api_sales/srvd/0001/"},
		{name: "custom", source: FromCustom("sap/opu/odata/sap/ZSALES_SRV"), want: "/sap/opu/odata/sap/ZSALES_SRV/"},
		{name: "custom double slashes", source: FromCustom("//sap//opu/odata/sap/ZSALES_SRV//"), want: "/sap/opu/odata/sap/ZSALES_SRV/"},
		{name: "legacy url", source: FromLegacy("https://sap.example.com:44300/sap/opu/odata/sap/ZSALES_SRV"), want: "/sap/opu/odata/sap/ZSALES_SRV/"},
		{name: "legacy path", source: FromLegacy("/sap/opu/odata/sap/ZSALES_SRV/"), want: "/sap/opu/odata/sap/ZSALES_SRV/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.source.Resolve(); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServicePathSource_IsZero(t *testing.T) {
	if !(ServicePathSource{}).IsZero() {
		t.Error("zero value should be unset")
	}
	if !FromCustom("  ").IsZero() {
		t.Error("blank path should count as unset")
	}
	if FromList("ZSALES_SRV").IsZero() {
		t.Error("list source should be set")
	}
	if got := FromList("ZSALES_SRV").String(); got != "list:ZSALES_SRV" {
		t.Errorf("String() = %q", got)
	}
}
