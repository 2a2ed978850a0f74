/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package supervisor

import "testing"

func TestLookupResponseRoundTrips(t *testing.T) {
	want := LookupResponse{Found: true, Pid: 7, Endpoint: 3}
	p, err := encode(want)
	if err != nil {
		t.Fatal(err)
	}
	var got LookupResponse
	if err := decode(p, &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestServiceReadyRoundTrips(t *testing.T) {
	want := ServiceReady{Endpoint: 42}
	p, err := encode(want)
	if err != nil {
		t.Fatal(err)
	}
	var got ServiceReady
	if err := decode(p, &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
