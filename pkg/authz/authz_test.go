package authz

import "testing"

func TestAuthorizedByDirectEmailOwnership(t *testing.T) {
	p := Principal{Email: "alice@example.com"}
	ns := Namespace{Name: "team-a", Owner: "alice@example.com"}
	if !Authorized(p, ns, "root@example.com") {
		t.Fatal("expected direct owner to be authorized")
	}
}

func TestAuthorizedByOrganizationMembership(t *testing.T) {
	p := Principal{Email: "bob@example.com", Organizations: map[string]string{"org-1": "member"}}
	ns := Namespace{Name: "team-a", Owner: "org-1"}
	if !Authorized(p, ns, "root@example.com") {
		t.Fatal("expected org member to be authorized")
	}
}

func TestUnauthorizedWithoutOwnershipOrMembership(t *testing.T) {
	p := Principal{Email: "eve@example.com"}
	ns := Namespace{Name: "team-a", Owner: "alice@example.com"}
	if Authorized(p, ns, "root@example.com") {
		t.Fatal("expected unauthorized caller to be rejected")
	}
}

func TestRootNamespaceRequiresRootOwnerMembership(t *testing.T) {
	p := Principal{Email: "root@example.com"}
	ns := Namespace{Name: RootNamespace, Owner: "root@example.com"}
	if !Authorized(p, ns, "root@example.com") {
		t.Fatal("expected root owner to be authorized on root namespace")
	}

	other := Principal{Email: "random-owner@example.com"}
	nsOwnedByOther := Namespace{Name: RootNamespace, Owner: "random-owner@example.com"}
	if Authorized(other, nsOwnedByOther, "root@example.com") {
		t.Fatal("expected non-root-owner to be rejected on root namespace even if nominally the owner")
	}
}
